package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

var ErrUnexpectedStatus = errors.New("unexpected response status")

// Client talks to a home assistant instance over its REST API. It is
// deliberately small: switch actuation for the controller and entity
// state reads for the ambient poller.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) TurnOn(ctx context.Context, entityID string) error {
	return c.callService(ctx, "turn_on", entityID)
}

func (c *Client) TurnOff(ctx context.Context, entityID string) error {
	return c.callService(ctx, "turn_off", entityID)
}

func (c *Client) callService(ctx context.Context, service, entityID string) error {
	body, _ := json.Marshal(map[string]string{"entity_id": entityID})

	url := fmt.Sprintf("%s/api/services/switch/%s", c.baseURL, service)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s %s returned %d", ErrUnexpectedStatus, service, entityID, resp.StatusCode)
	}

	return nil
}

type entityState struct {
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
}

// State reports the raw state of a switch entity, typically "on" or
// "off". Home assistant reports "unavailable" for devices it has lost
// contact with, which the controller treats as unknown.
func (c *Client) State(ctx context.Context, entityID string) (string, error) {
	state, err := c.entityState(ctx, entityID)
	if err != nil {
		return "", err
	}
	return state.State, nil
}

// NumericState reads a sensor entity as a float, used for ambient
// temperature probes.
func (c *Client) NumericState(ctx context.Context, entityID string) (float64, error) {
	state, err := c.entityState(ctx, entityID)
	if err != nil {
		return 0, err
	}

	value, err := strconv.ParseFloat(state.State, 64)
	if err != nil {
		return 0, fmt.Errorf("entity %s state %q is not numeric: %w", entityID, state.State, err)
	}

	return value, nil
}

func (c *Client) entityState(ctx context.Context, entityID string) (entityState, error) {
	url := fmt.Sprintf("%s/api/states/%s", c.baseURL, entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return entityState{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return entityState{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return entityState{}, fmt.Errorf("%w: states/%s returned %d", ErrUnexpectedStatus, entityID, resp.StatusCode)
	}

	var state entityState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return entityState{}, err
	}

	return state, nil
}
