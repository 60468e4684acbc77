package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/orderbridge/sheetsync/internal/domain"
)

type clientSet struct {
	drive  *drive.Service
	sheets *sheets.Service
}

// Google talks to the Drive and Sheets APIs on behalf of connections.
// Clients are cached per connection; all outbound calls share one rate
// limiter so a webhook burst cannot exhaust the API quota.
type Google struct {
	creds   domain.CredentialProvider
	limiter *rate.Limiter
	log     zerolog.Logger

	mu      sync.Mutex
	clients map[string]*clientSet
}

func NewGoogle(creds domain.CredentialProvider, rps float64, logger *zerolog.Logger) *Google {
	if rps <= 0 {
		rps = 5
	}
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "google_gateway").Logger()
	}
	return &Google{
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:     log,
		clients: make(map[string]*clientSet),
	}
}

// Watch registers a push notification channel against a spreadsheet file.
func (g *Google) Watch(ctx context.Context, connectionID, fileID, callbackAddress, token string) (*domain.WatchChannel, error) {
	cs, err := g.services(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	channel := &drive.Channel{
		Id:      uuid.NewString(),
		Type:    "web_hook",
		Address: callbackAddress,
		Token:   token,
	}
	res, err := cs.drive.Files.Watch(fileID, channel).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("register watch channel: %w", err)
	}

	watch := &domain.WatchChannel{
		ChannelID:  res.Id,
		ResourceID: res.ResourceId,
	}
	if watch.ChannelID == "" {
		watch.ChannelID = channel.Id
	}
	if res.Expiration > 0 {
		expiration := time.UnixMilli(res.Expiration)
		watch.Expiration = &expiration
	}

	g.log.Info().
		Str("connection_id", connectionID).
		Str("file_id", fileID).
		Str("channel_id", watch.ChannelID).
		Msg("watch channel registered")
	return watch, nil
}

// Stop tears a push notification channel down.
func (g *Google) Stop(ctx context.Context, connectionID, channelID, resourceID string) error {
	cs, err := g.services(ctx, connectionID)
	if err != nil {
		return err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	channel := &drive.Channel{Id: channelID, ResourceId: resourceID}
	if err := cs.drive.Channels.Stop(channel).Context(ctx).Do(); err != nil {
		return fmt.Errorf("stop watch channel: %w", err)
	}
	return nil
}

// ReadRows fetches a value range and flattens every cell to a string.
func (g *Google) ReadRows(ctx context.Context, connectionID, spreadsheetID, readRange string) ([][]string, error) {
	cs, err := g.services(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := cs.sheets.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, len(raw))
		for i, cell := range raw {
			row[i] = fmt.Sprint(cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (g *Google) services(ctx context.Context, connectionID string) (*clientSet, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cs, ok := g.clients[connectionID]; ok {
		return cs, nil
	}

	source := oauth2.ReuseTokenSource(nil, &connectionTokenSource{
		creds:        g.creds,
		connectionID: connectionID,
	})
	httpClient := oauth2.NewClient(context.Background(), source)

	driveService, err := drive.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	sheetsService, err := sheets.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	cs := &clientSet{drive: driveService, sheets: sheetsService}
	g.clients[connectionID] = cs
	return cs, nil
}

// connectionTokenSource adapts the credential provider to oauth2. The
// provider does not report expiry, so tokens get a short lifetime and the
// provider's own cache absorbs the refresh churn.
type connectionTokenSource struct {
	creds        domain.CredentialProvider
	connectionID string
}

func (s *connectionTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	access, err := s.creds.AccessToken(ctx, s.connectionID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: access,
		Expiry:      time.Now().Add(time.Minute),
	}, nil
}
