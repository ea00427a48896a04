package hq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// SelfRegistration is the "remote mode" half of spec §4.8: a plain node
// that calls an upstream HQ's /api/remotes/register at startup with its
// own public URL and bearer, and issues DELETE /api/remotes/:id at
// shutdown, best effort. It has nothing to do with Registry, which is
// the HQ side of the same handshake.
type SelfRegistration struct {
	hqURL  string
	bearer string
	name   string
	selfURL string
	client *http.Client
	logger *zap.SugaredLogger

	remoteID string
}

// NewSelfRegistration prepares a client for registering with hqURL. No
// network call happens until Register is called.
func NewSelfRegistration(hqURL, bearer, name, selfURL string, logger *zap.SugaredLogger) *SelfRegistration {
	return &SelfRegistration{
		hqURL:   hqURL,
		bearer:  bearer,
		name:    name,
		selfURL: selfURL,
		client:  &http.Client{Timeout: callTimeout},
		logger:  logger,
	}
}

// Register calls the upstream HQ's registration endpoint. The token
// used here is this node's own bearer, presented to earn it an inbound
// HQ bearer the auth gate accepts per spec §4.9 — not the HQ's own
// outbound-to-remote token.
func (s *SelfRegistration) Register(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{
		"name":   s.name,
		"url":    s.selfURL,
		"bearer": s.bearer,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.hqURL+"/api/remotes/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.bearer)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("register with hq: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hq register returned %d: %s", resp.StatusCode, data)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("parse hq register response: %w", err)
	}
	s.remoteID = out.ID
	if s.logger != nil {
		s.logger.Infow("registered with hq", "hq", s.hqURL, "remoteId", s.remoteID)
	}
	return nil
}

// Unregister issues a best-effort DELETE against the HQ it registered
// with. It is a no-op if Register never succeeded.
func (s *SelfRegistration) Unregister(ctx context.Context) {
	if s.remoteID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.hqURL+"/api/remotes/"+s.remoteID, nil)
	if err != nil {
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.bearer)
	resp, err := s.client.Do(req)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("failed to unregister from hq", "error", err)
		}
		return
	}
	resp.Body.Close()
}
