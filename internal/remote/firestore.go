package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"google.golang.org/api/firestore/v1"
	"google.golang.org/api/option"

	"github.com/zsev25-ux/sonl-crew-ops-sub001/internal/config"
)

const signUpEndpoint = "https://identitytoolkit.googleapis.com/v1/accounts:signUp"

// FirestoreBackend writes documents through the Firestore REST API with an
// anonymous session acquired once and refreshed on expiry.
type FirestoreBackend struct {
	service    *firestore.Service
	projectID  string
	databaseID string
	logger     *zerolog.Logger
}

func NewFirestoreBackend(ctx context.Context, cfg config.RemoteConfig, logger *zerolog.Logger) (*FirestoreBackend, error) {
	ts := oauth2.ReuseTokenSource(nil, &anonymousTokenSource{
		apiKey: cfg.APIKey,
		client: http.DefaultClient,
	})

	service, err := firestore.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create firestore service: %w", err)
	}

	return &FirestoreBackend{
		service:    service,
		projectID:  cfg.ProjectID,
		databaseID: cfg.DatabaseID,
		logger:     logger,
	}, nil
}

// Put merges the payload into the target document; fields absent from the
// payload are left untouched server-side.
func (b *FirestoreBackend) Put(ctx context.Context, collection, docID string, payload map[string]any) error {
	name := fmt.Sprintf("projects/%s/databases/%s/documents/%s/%s",
		b.projectID, b.databaseID, collection, docID)

	fields, paths, err := encodeFields(payload)
	if err != nil {
		return fmt.Errorf("%w: encode %s/%s: %v", ErrWriteFailed, collection, docID, err)
	}

	call := b.service.Projects.Databases.Documents.
		Patch(name, &firestore.Document{Fields: fields}).
		UpdateMaskFieldPaths(paths...).
		Context(ctx)

	if _, err := call.Do(); err != nil {
		return fmt.Errorf("%w: patch %s/%s: %v", ErrWriteFailed, collection, docID, err)
	}

	b.logger.Debug().Str("collection", collection).Str("doc", docID).Msg("remote document merged")
	return nil
}

// anonymousTokenSource performs the anonymous sign-up exchange. Wrapped in
// oauth2.ReuseTokenSource, the exchange happens once per session and again
// only after the token expires.
type anonymousTokenSource struct {
	apiKey string
	client *http.Client
}

func (ts *anonymousTokenSource) Token() (*oauth2.Token, error) {
	body, _ := json.Marshal(map[string]bool{"returnSecureToken": true})

	req, err := http.NewRequest(http.MethodPost, signUpEndpoint+"?key="+ts.apiKey, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anonymous sign-up: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anonymous sign-up: status %d", resp.StatusCode)
	}

	var session struct {
		IDToken   string `json:"idToken"`
		ExpiresIn string `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("anonymous sign-up: decode response: %w", err)
	}
	if session.IDToken == "" {
		return nil, fmt.Errorf("anonymous sign-up: empty token")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(session.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	return &oauth2.Token{
		AccessToken: session.IDToken,
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(ttl - time.Minute),
	}, nil
}
