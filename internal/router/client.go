// Package router provisions subscriber sessions on MikroTik devices through
// the RouterOS REST API. Every call reports a Result instead of an error so
// callers can treat the device as a black box.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/domain"
)

type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Duplicate reports whether the device refused the call because the entry
// already exists ("failure: already have user with this name").
func (r Result) Duplicate() bool {
	return !r.Success && (strings.Contains(r.Error, "already have") || strings.Contains(r.Error, "already exists"))
}

func failed(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

type HotspotUser struct {
	Name     string
	Password string
	// Profile is the user profile carrying the rate limit. Empty means the
	// device default.
	Profile string
}

type PPPSecret struct {
	Name     string
	Password string
	Profile  string
}

type IPBinding struct {
	MacAddress string
	Address    string
	Comment    string
}

type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("router"),
	}
}

func (c *Client) AddHotspotUser(ctx context.Context, h *domain.Hotspot, u HotspotUser) Result {
	body := map[string]string{"name": u.Name, "password": u.Password}
	if u.Profile != "" {
		body["profile"] = u.Profile
	}
	return c.call(ctx, h, http.MethodPut, "/ip/hotspot/user", body)
}

// EnsureHotspotProfile creates the rate-limited hotspot user profile unless
// one with that name already exists.
func (c *Client) EnsureHotspotProfile(ctx context.Context, h *domain.Hotspot, name, rateLimit string) Result {
	return c.ensureProfile(ctx, h, "/ip/hotspot/user/profile", name, rateLimit)
}

// EnsurePPPProfile is EnsureHotspotProfile for PPPoE secrets.
func (c *Client) EnsurePPPProfile(ctx context.Context, h *domain.Hotspot, name, rateLimit string) Result {
	return c.ensureProfile(ctx, h, "/ppp/profile", name, rateLimit)
}

func (c *Client) ensureProfile(ctx context.Context, h *domain.Hotspot, path, name, rateLimit string) Result {
	if found := c.find(ctx, h, path, "name", name); !found.Success || len(found.ids) > 0 {
		return found.Result
	}
	return c.call(ctx, h, http.MethodPut, path, map[string]string{
		"name":       name,
		"rate-limit": rateLimit,
	})
}

func (c *Client) AddPPPSecret(ctx context.Context, h *domain.Hotspot, s PPPSecret) Result {
	return c.call(ctx, h, http.MethodPut, "/ppp/secret", map[string]string{
		"name":     s.Name,
		"password": s.Password,
		"profile":  s.Profile,
		"service":  "pppoe",
	})
}

// AddIPBinding lets a static client through the hotspot without a login.
func (c *Client) AddIPBinding(ctx context.Context, h *domain.Hotspot, b IPBinding) Result {
	return c.call(ctx, h, http.MethodPut, "/ip/hotspot/ip-binding", map[string]string{
		"mac-address": b.MacAddress,
		"address":     b.Address,
		"type":        "bypassed",
		"comment":     b.Comment,
	})
}

func (c *Client) RemoveHotspotUser(ctx context.Context, h *domain.Hotspot, name string) Result {
	return c.remove(ctx, h, "/ip/hotspot/user", "name", name)
}

func (c *Client) RemovePPPSecret(ctx context.Context, h *domain.Hotspot, name string) Result {
	return c.remove(ctx, h, "/ppp/secret", "name", name)
}

func (c *Client) RemoveIPBinding(ctx context.Context, h *domain.Hotspot, mac string) Result {
	return c.remove(ctx, h, "/ip/hotspot/ip-binding", "mac-address", mac)
}

type lookup struct {
	Result
	ids []string
}

// find lists the ids of entries under path whose field equals value.
func (c *Client) find(ctx context.Context, h *domain.Hotspot, path, field, value string) lookup {
	res := c.call(ctx, h, http.MethodGet, path+"?"+url.Values{field: {value}}.Encode(), nil)
	if !res.Success {
		return lookup{Result: res}
	}
	var entries []struct {
		ID string `json:".id"`
	}
	if err := json.Unmarshal(res.Data, &entries); err != nil {
		return lookup{Result: failed("decode %s listing: %v", path, err)}
	}
	out := lookup{Result: res}
	for _, e := range entries {
		out.ids = append(out.ids, e.ID)
	}
	return out
}

// remove deletes every entry under path matching field=value. Nothing to
// delete is a success, so revocation can be repeated.
func (c *Client) remove(ctx context.Context, h *domain.Hotspot, path, field, value string) Result {
	found := c.find(ctx, h, path, field, value)
	if !found.Success {
		return found.Result
	}
	for _, id := range found.ids {
		if res := c.call(ctx, h, http.MethodDelete, path+"/"+url.PathEscape(id), nil); !res.Success {
			return res
		}
	}
	return Result{Success: true}
}

func (c *Client) call(ctx context.Context, h *domain.Hotspot, method, path string, body any) Result {
	if h.RouterURL == "" {
		return failed("hotspot %s has no router URL", h.ID)
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return failed("encode request: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	endpoint := strings.TrimRight(h.RouterURL, "/") + "/rest" + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return failed("build request: %v", err)
	}
	req.SetBasicAuth(h.RouterUser, h.RouterPass)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("router unreachable", zap.String("hotspot_id", h.ID), zap.String("path", path), zap.Error(err))
		return failed("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return failed("read response: %v", err)
	}
	if resp.StatusCode >= 300 {
		// RouterOS reports failures as {"error":400,"message":"...","detail":"..."}.
		var e struct {
			Message string `json:"message"`
			Detail  string `json:"detail"`
		}
		_ = json.Unmarshal(raw, &e)
		msg := e.Message
		switch {
		case msg == "":
			msg = http.StatusText(resp.StatusCode)
		case e.Detail != "":
			msg += ": " + e.Detail
		}
		c.logger.Warn("router rejected request",
			zap.String("hotspot_id", h.ID), zap.String("path", path),
			zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return failed("%s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	return Result{Success: true, Data: raw}
}
