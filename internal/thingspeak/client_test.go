package thingspeak

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(strings.TrimPrefix(srv.URL, "http://"), WithScheme("http")), srv
}

func TestClientUpdate(t *testing.T) {
	var got *http.Request
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Write([]byte(`{"channel_id":7,"entry_id":42,"created_at":"2024-06-01T12:00:00Z","field1":"1"}`))
	})

	req := &UpdateRequest{
		Key:       "ABCDEFGHIJKLMNOP",
		Latitude:  52.52,
		Longitude: 13.405,
		Elevation: 34,
		Twitter:   "myaccount",
		Tweet:     "uploaded",
	}
	req.Fields[0] = "21.5"
	req.Fields[1] = "Null value"

	resp, err := client.Update(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.ChannelID)
	assert.Equal(t, int64(42), resp.EntryID)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/update.json", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "ABCDEFGHIJKLMNOP", q.Get("key"))
	assert.Equal(t, "21.5", q.Get("field1"))
	assert.Equal(t, "Null value", q.Get("field2"))
	assert.Equal(t, "", q.Get("field8"))
	assert.Equal(t, "52.52", q.Get("latitude"))
	assert.Equal(t, "13.405", q.Get("longitude"))
	assert.Equal(t, "34", q.Get("elevation"))
	assert.Equal(t, "myaccount", q.Get("twitter"))
	assert.Equal(t, "uploaded", q.Get("tweet"))
}

func TestClientUpdateAlternateHost(t *testing.T) {
	hits := 0
	alt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"channel_id":1,"entry_id":1}`))
	}))
	defer alt.Close()

	client := NewClient("unused.invalid", WithScheme("http"))
	_, err := client.Update(context.Background(), &UpdateRequest{
		Host: strings.TrimPrefix(alt.URL, "http://"),
		Key:  "k",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestClientUpdateUnauthorized(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Update(context.Background(), &UpdateRequest{Key: "bad"})
	require.Error(t, err)

	var tsErr *Error
	require.True(t, errors.As(err, &tsErr))
	assert.Equal(t, KindRejected, tsErr.Kind)
	assert.Equal(t, http.StatusUnauthorized, tsErr.StatusCode)
	assert.Contains(t, tsErr.Reason, "authentication")
}

func TestClientUpdateZeroBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0"))
	})

	_, err := client.Update(context.Background(), &UpdateRequest{Key: "k"})
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))
}

func TestClientUpdateConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	client := NewClient(host, WithScheme("http"))
	_, err := client.Update(context.Background(), &UpdateRequest{Key: "k"})
	require.Error(t, err)
	assert.Equal(t, KindNoConnectivity, KindOf(err))
}

func TestClientUpdateTimeout(t *testing.T) {
	release := make(chan struct{})
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Update(ctx, &UpdateRequest{Key: "k"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestClientContextDeadlineOutlastsDefaultBound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(150 * time.Millisecond)
		w.Write([]byte(`{"channel_id":1,"entry_id":7}`))
	}))
	t.Cleanup(srv.Close)
	client := NewClient(strings.TrimPrefix(srv.URL, "http://"), WithScheme("http"), WithTimeout(50*time.Millisecond))

	// a longer per-call deadline is honored
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Update(ctx, &UpdateRequest{Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), resp.EntryID)

	// without a deadline the client bound applies
	_, err = client.Update(context.Background(), &UpdateRequest{Key: "k"})
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
}

func TestNewClientHasNoTransportTimeout(t *testing.T) {
	client := NewClient("")
	hc, ok := client.httpClient.(*http.Client)
	require.True(t, ok)
	assert.Zero(t, hc.Timeout)
	assert.Equal(t, DefaultTimeout, client.timeout)
}

func TestClientChannelManagement(t *testing.T) {
	type call struct {
		method string
		path   string
		key    string
		name   string
	}
	var calls []call

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		calls = append(calls, call{r.Method, r.URL.Path, r.Form.Get("api_key"), r.Form.Get("name")})

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/channels.json":
			w.Write([]byte(`[{"id":11,"name":"Garden","latitude":"52.5","longitude":13.4,"elevation":null,"api_keys":[{"api_key":"READKEY","write_flag":false},{"api_key":"WRITEKEY12345678","write_flag":true}]}]`))
		case r.Method == http.MethodPost && r.URL.Path == "/channels.json":
			w.Write([]byte(`{"id":12,"name":"` + r.Form.Get("name") + `"}`))
		case r.Method == http.MethodPut && r.URL.Path == "/channels/12.json":
			w.Write([]byte(`{"id":12,"name":"` + r.Form.Get("name") + `"}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/channels/12/feeds.json":
			w.Write([]byte(`[]`))
		case r.Method == http.MethodDelete && r.URL.Path == "/channels/12.json":
			w.Write([]byte(`{"id":12}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	channels, err := client.ListChannels(ctx, "USERKEY")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, int64(11), channels[0].ID)
	assert.Equal(t, FlexString("52.5"), channels[0].Latitude)
	assert.Equal(t, FlexString("13.4"), channels[0].Longitude)
	assert.Equal(t, FlexString(""), channels[0].Elevation)
	assert.Equal(t, "WRITEKEY12345678", channels[0].WriteKey())

	created, err := client.CreateChannel(ctx, "USERKEY", &ChannelSettings{Name: "Pool"})
	require.NoError(t, err)
	assert.Equal(t, int64(12), created.ID)
	assert.Equal(t, "Pool", created.Name)

	updated, err := client.UpdateChannel(ctx, "USERKEY", 12, &ChannelSettings{Name: "Pool 2"})
	require.NoError(t, err)
	assert.Equal(t, "Pool 2", updated.Name)

	require.NoError(t, client.ClearChannel(ctx, "USERKEY", 12))
	require.NoError(t, client.DeleteChannel(ctx, "USERKEY", 12))

	err = client.DeleteChannel(ctx, "USERKEY", 99)
	require.Error(t, err)
	assert.Equal(t, KindRejected, KindOf(err))

	require.Len(t, calls, 6)
	for _, c := range calls {
		assert.Equal(t, "USERKEY", c.key, "%s %s", c.method, c.path)
	}
	assert.Equal(t, "Pool", calls[1].name)
}

func TestStatusReason(t *testing.T) {
	assert.Contains(t, StatusReason(http.StatusUnauthorized), "authentication")
	assert.Contains(t, StatusReason(http.StatusTooManyRequests), "rate limited")
	assert.Equal(t, "service error", StatusReason(599))
}
