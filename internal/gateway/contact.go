package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Registration is one validated contact from the remote registry.
type Registration struct {
	Phone string `json:"phone"`
	UID   string `json:"uid"`
}

// ContactClient talks to the remote contact validation service.
type ContactClient struct {
	baseURL string
	httpc   *http.Client
	logger  *zap.Logger
}

// NewContactClient creates a contact service client for the given base URL.
func NewContactClient(baseURL string, logger *zap.Logger) *ContactClient {
	return &ContactClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// CheckContacts validates one batch of candidate phone numbers against
// the backend's registered-user set. The response contains only the
// numbers that are registered, with their backend uid.
func (c *ContactClient) CheckContacts(ctx context.Context, phones []string) ([]Registration, error) {
	if len(phones) == 0 {
		return nil, nil
	}
	req := struct {
		Phones []string `json:"phones"`
	}{Phones: phones}
	var registered []Registration
	u := c.baseURL + "/v1/contacts/check"
	if err := doJSON(ctx, c.httpc, http.MethodPost, u, req, &registered); err != nil {
		return nil, fmt.Errorf("check contacts: %w", err)
	}
	return registered, nil
}

// InviteContact asks the backend to invite an unregistered number.
// Reports whether the invite was issued.
func (c *ContactClient) InviteContact(ctx context.Context, phone string) (bool, error) {
	req := struct {
		Phone string `json:"phone"`
	}{Phone: phone}
	var resp struct {
		Invited bool `json:"invited"`
	}
	u := c.baseURL + "/v1/contacts/invite"
	if err := doJSON(ctx, c.httpc, http.MethodPost, u, req, &resp); err != nil {
		return false, fmt.Errorf("invite contact: %w", err)
	}
	return resp.Invited, nil
}
