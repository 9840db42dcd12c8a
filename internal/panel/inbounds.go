package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"xui-vpn-bot/internal/link"
)

const (
	pathList      = "/panel/api/inbounds/list"
	pathGet       = "/panel/api/inbounds/get/%d"
	pathAddClient = "/panel/api/inbounds/addClient"
	pathDelClient = "/panel/api/inbounds/%d/delClient/%s"
)

func (c *API) ListInbounds(ctx context.Context) ([]Inbound, error) {
	var inbounds []Inbound
	if err := c.call(ctx, "list_inbounds", http.MethodGet, pathList, nil, &inbounds); err != nil {
		return nil, err
	}
	return inbounds, nil
}

func (c *API) GetInbound(ctx context.Context, id int) (*Inbound, error) {
	var in Inbound
	err := c.call(ctx, "get_inbound", http.MethodGet, fmt.Sprintf(pathGet, id), nil, &in)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return nil, fmt.Errorf("%w: inbound %d: %s", ErrNoInboundFound, id, apiErr.Msg)
	}
	if err != nil {
		return nil, err
	}
	if in.ID == 0 {
		return nil, fmt.Errorf("%w: inbound %d", ErrNoInboundFound, id)
	}
	return &in, nil
}

// ResolveInbound picks the inbound for new clients. A configured ID that does not exist is an
// error; the remark and protocol rules are not tried in that case.
func (c *API) ResolveInbound(ctx context.Context, sel Selector) (*Inbound, error) {
	inbounds, err := c.ListInbounds(ctx)
	if err != nil {
		return nil, err
	}
	if sel.ID != 0 {
		for i := range inbounds {
			if inbounds[i].ID == sel.ID {
				return &inbounds[i], nil
			}
		}
		return nil, fmt.Errorf("%w: inbound id %d", ErrNoInboundFound, sel.ID)
	}
	if sel.Remark != "" {
		for i := range inbounds {
			if inbounds[i].Remark == sel.Remark {
				return &inbounds[i], nil
			}
		}
	}
	protocol := sel.Protocol
	if protocol == "" {
		protocol = "vless"
	}
	for i := range inbounds {
		if strings.EqualFold(inbounds[i].Protocol, protocol) {
			return &inbounds[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no %s inbound among %d", ErrNoInboundFound, protocol, len(inbounds))
}

// AddClient registers cl on the inbound. Re-adding the same UUID succeeds, so the call is
// safe to repeat.
func (c *API) AddClient(ctx context.Context, inboundID int, cl Client) error {
	settings, err := json.Marshal(InboundSettings{Clients: []Client{cl}})
	if err != nil {
		return fmt.Errorf("encode client: %w", err)
	}
	body := map[string]interface{}{"id": inboundID, "settings": string(settings)}
	err = c.call(ctx, "add_client", http.MethodPost, pathAddClient, body, nil)

	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.duplicate() {
		return err
	}
	in, gerr := c.GetInbound(ctx, inboundID)
	if gerr != nil {
		return gerr
	}
	present, gerr := in.HasClient(cl.ID)
	if gerr != nil {
		return gerr
	}
	if !present {
		return fmt.Errorf("%w: %s", ErrClientExists, apiErr.Msg)
	}
	c.log.Info("client already on panel", zap.Int("inbound", inboundID), zap.String("client", cl.ID))
	return nil
}

// RemoveClient deletes the client from the inbound. A client the panel does not have counts as removed.
func (c *API) RemoveClient(ctx context.Context, inboundID int, clientUUID string) error {
	err := c.call(ctx, "remove_client", http.MethodPost, fmt.Sprintf(pathDelClient, inboundID, url.PathEscape(clientUUID)), nil, nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.notFound() {
		return nil
	}
	in, gerr := c.GetInbound(ctx, inboundID)
	if gerr != nil {
		return err
	}
	if present, gerr := in.HasClient(clientUUID); gerr == nil && !present {
		return nil
	}
	return err
}

// ReadStreamSettings returns the Reality parameters and port of the inbound.
func (c *API) ReadStreamSettings(ctx context.Context, inboundID int) (link.StreamSettings, int, error) {
	in, err := c.GetInbound(ctx, inboundID)
	if err != nil {
		return link.StreamSettings{}, 0, err
	}
	ss, err := in.Stream()
	if err != nil {
		return link.StreamSettings{}, 0, err
	}
	return ss, in.Port, nil
}

// Ping checks that the panel answers an authenticated request.
func (c *API) Ping(ctx context.Context) error {
	_, err := c.ListInbounds(ctx)
	return err
}
