package graph

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// subscriptionWindow is how far into the future a created or renewed
// subscription expires. Graph caps channel message subscriptions at a few
// hours, so renewal is driven by lifecycle notifications plus a cron
// safety net.
const subscriptionWindow = 3 * time.Hour

// ErrBadSecret means an inbound notification carried a client state that
// does not match the active subscription.
var ErrBadSecret = errors.New("subscription secret mismatch")

// SubscriptionManager owns the change notification registration for the
// configured channel. ID and secret are guarded together: notification
// processing holds the lock for a whole payload so secret checks cannot
// interleave with a re-init rotating the secret.
type SubscriptionManager struct {
	client *Client

	mu     sync.Mutex
	id     string
	secret string
}

type newSubscriptionRequest struct {
	ChangeType         string    `json:"changeType"`
	NotificationURL    string    `json:"notificationUrl"`
	LifecycleURL       string    `json:"lifecycleNotificationUrl"`
	Resource           string    `json:"resource"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
	ClientState        string    `json:"clientState"`
}

type subscriptionResponse struct {
	ID string `json:"id"`
}

type subscriptionList struct {
	Value []subscriptionResponse `json:"value"`
}

// Lock serializes notification processing against subscription changes.
// Callers must hold it for the duration of one notification payload.
func (m *SubscriptionManager) Lock() { m.mu.Lock() }

// Unlock releases the payload lock.
func (m *SubscriptionManager) Unlock() { m.mu.Unlock() }

// ID returns the active subscription id. Callers must hold the lock.
func (m *SubscriptionManager) ID() string { return m.id }

// CheckSecret compares a notification client state with the stored secret.
// Callers must hold the lock.
func (m *SubscriptionManager) CheckSecret(candidate string) error {
	if m.secret == "" || subtle.ConstantTimeCompare([]byte(candidate), []byte(m.secret)) != 1 {
		return ErrBadSecret
	}
	return nil
}

// Init registers a subscription with a fresh random secret and sends the
// interactive consent email. A Forbidden response means another
// registration holds the resource; the existing subscription is deleted
// and the registration retried once.
func (m *SubscriptionManager) Init(ctx context.Context, token string, retry bool) error {
	secret := uuid.NewString()

	id, status, err := m.register(ctx, token, secret)
	if err != nil && status == http.StatusForbidden {
		if retry {
			return fmt.Errorf("subscription takeover failed: %w", err)
		}
		if err := m.killActive(ctx, token); err != nil {
			return fmt.Errorf("kill active subscription: %w", err)
		}
		return m.Init(ctx, token, true)
	}
	if err != nil {
		return err
	}

	m.id = id
	m.secret = secret

	if err := m.sendConsentMail(ctx, token, secret); err != nil {
		return fmt.Errorf("send consent mail: %w", err)
	}
	return nil
}

// Renew extends the subscription expiration by the standard window. The
// secret is not rotated.
func (m *SubscriptionManager) Renew(ctx context.Context, token, subscriptionID string) error {
	payload := struct {
		ExpirationDateTime time.Time `json:"expirationDateTime"`
	}{ExpirationDateTime: m.client.now().UTC().Add(subscriptionWindow)}

	if err := m.client.doJSON(ctx, http.MethodPatch, "/subscriptions/"+subscriptionID, token, payload, nil); err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	return nil
}

// register posts the subscription request and returns the new id. The
// HTTP status is reported separately so Init can distinguish Forbidden.
func (m *SubscriptionManager) register(ctx context.Context, token, secret string) (string, int, error) {
	cfg := m.client.cfg
	payload := newSubscriptionRequest{
		ChangeType:         "created,updated",
		NotificationURL:    cfg.NotificationURL,
		LifecycleURL:       cfg.LifecycleURL,
		Resource:           fmt.Sprintf("/teams/%s/channels/%s/messages", cfg.GroupID, cfg.ChannelID),
		ExpirationDateTime: m.client.now().UTC().Add(subscriptionWindow),
		ClientState:        secret,
	}

	var resp subscriptionResponse
	status, err := m.client.doJSONStatus(ctx, http.MethodPost, "/subscriptions", token, payload, &resp)
	if err != nil {
		return "", status, fmt.Errorf("create subscription: %w", err)
	}
	return resp.ID, status, nil
}

// killActive deletes the first subscription the tenant reports, freeing
// the resource for our registration.
func (m *SubscriptionManager) killActive(ctx context.Context, token string) error {
	var list subscriptionList
	if err := m.client.doJSON(ctx, http.MethodGet, "/subscriptions/", token, nil, &list); err != nil {
		return err
	}
	if len(list.Value) == 0 {
		return nil
	}
	return m.client.doJSON(ctx, http.MethodDelete, "/subscriptions/"+list.Value[0].ID, token, nil, nil)
}

// sendConsentMail emails the authorization URL to the configured
// recipient. The subscription secret doubles as the OAuth state so the
// callback can be correlated with this activation.
func (m *SubscriptionManager) sendConsentMail(ctx context.Context, token, secret string) error {
	cfg := m.client.cfg
	authURL := m.client.AuthorizeURL(secret)
	content := fmt.Sprintf("Please follow the link below to activate the bridge<br><a href=%q>%s</a>", authURL, authURL)

	payload := map[string]any{
		"message": map[string]any{
			"subject": "Teams / Jira bridge authentication link",
			"body": map[string]any{
				"contentType": "html",
				"content":     content,
			},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]any{"address": cfg.ConsentRecipient}},
			},
		},
	}
	return m.client.doJSON(ctx, http.MethodPost, "/users/"+cfg.ConsentRecipient+"/sendMail", token, payload, nil)
}
