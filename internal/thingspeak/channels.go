package thingspeak

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// FlexString decodes any JSON scalar into its string form.
// The service reports coordinates sometimes as strings, sometimes as numbers.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler
func (f *FlexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*f = FlexString(str)
		return nil
	}
	*f = FlexString(s)
	return nil
}

// APIKey is one key attached to a remote channel
type APIKey struct {
	Key       string `json:"api_key"`
	WriteFlag bool   `json:"write_flag"`
}

// RemoteChannel describes a channel as the service reports it
type RemoteChannel struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Latitude    FlexString `json:"latitude"`
	Longitude   FlexString `json:"longitude"`
	Elevation   FlexString `json:"elevation"`
	CreatedAt   string     `json:"created_at"`
	PublicFlag  bool       `json:"public_flag"`
	LastEntryID FlexString `json:"last_entry_id"`
	APIKeys     []APIKey   `json:"api_keys,omitempty"`
}

// WriteKey returns the write key of the channel, empty if not reported
func (rc *RemoteChannel) WriteKey() string {
	for _, k := range rc.APIKeys {
		if k.WriteFlag {
			return k.Key
		}
	}
	return ""
}

// ChannelSettings are the editable properties of a remote channel.
// Empty strings are not sent.
type ChannelSettings struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Fields      [MaxFields]string `json:"fields"`
	Latitude    string            `json:"latitude"`
	Longitude   string            `json:"longitude"`
	Elevation   string            `json:"elevation"`
	Public      *bool             `json:"public,omitempty"`
}

func (s *ChannelSettings) values(userKey string) url.Values {
	params := url.Values{}
	params.Set("api_key", userKey)
	setIf := func(key, v string) {
		if v != "" {
			params.Set(key, v)
		}
	}
	setIf("name", s.Name)
	setIf("description", s.Description)
	for i, f := range s.Fields {
		setIf("field"+strconv.Itoa(i+1), f)
	}
	setIf("latitude", s.Latitude)
	setIf("longitude", s.Longitude)
	setIf("elevation", s.Elevation)
	if s.Public != nil {
		params.Set("public_flag", strconv.FormatBool(*s.Public))
	}
	return params
}

// ListChannels returns the channels of the account owning userKey
func (c *Client) ListChannels(ctx context.Context, userKey string) ([]RemoteChannel, error) {
	params := url.Values{}
	params.Set("api_key", userKey)

	var channels []RemoteChannel
	if err := c.call(ctx, http.MethodGet, "/channels.json", params, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// CreateChannel creates a new remote channel
func (c *Client) CreateChannel(ctx context.Context, userKey string, s *ChannelSettings) (*RemoteChannel, error) {
	var ch RemoteChannel
	if err := c.call(ctx, http.MethodPost, "/channels.json", s.values(userKey), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpdateChannel changes the settings of a remote channel
func (c *Client) UpdateChannel(ctx context.Context, userKey string, id int64, s *ChannelSettings) (*RemoteChannel, error) {
	var ch RemoteChannel
	path := fmt.Sprintf("/channels/%d.json", id)
	if err := c.call(ctx, http.MethodPut, path, s.values(userKey), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ClearChannel deletes all feed entries of a remote channel
func (c *Client) ClearChannel(ctx context.Context, userKey string, id int64) error {
	params := url.Values{}
	params.Set("api_key", userKey)
	return c.call(ctx, http.MethodDelete, fmt.Sprintf("/channels/%d/feeds.json", id), params, nil)
}

// DeleteChannel removes a remote channel
func (c *Client) DeleteChannel(ctx context.Context, userKey string, id int64) error {
	params := url.Values{}
	params.Set("api_key", userKey)
	return c.call(ctx, http.MethodDelete, fmt.Sprintf("/channels/%d.json", id), params, nil)
}

// call performs a management request and decodes a JSON answer into out (may be nil)
func (c *Client) call(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	status, body, err := c.do(ctx, method, "", path, params)
	if err != nil {
		return err
	}

	if status != http.StatusOK {
		return &Error{Kind: KindRejected, StatusCode: status, Reason: StatusReason(status)}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindOther, Reason: "decode response", Err: err}
	}
	return nil
}
