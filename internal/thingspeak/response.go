package thingspeak

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// MaxFields is the number of data fields a channel accepts
const MaxFields = 8

// zeroDefault replaces absent or falsy response values
const zeroDefault = "0"

// UpdateResponse is the entry the service created for an update
type UpdateResponse struct {
	ChannelID int64             `json:"channel_id"`
	EntryID   int64             `json:"entry_id"`
	Status    string            `json:"status"`
	CreatedAt string            `json:"created_at"`
	Latitude  float64           `json:"latitude"`
	Longitude float64           `json:"longitude"`
	Elevation float64           `json:"elevation"`
	Fields    [MaxFields]string `json:"fields"`
}

// responseKeys are the keys written back to channel state
var responseKeys = []string{
	"channel_id", "entry_id", "status", "created_at",
	"latitude", "longitude", "elevation",
	"field1", "field2", "field3", "field4", "field5", "field6", "field7", "field8",
}

// DecodeUpdateResponse maps a raw update response body.
// An empty body, a literal "0" or anything that is not a JSON object is a rejection.
func DecodeUpdateResponse(body []byte) (*UpdateResponse, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || string(trimmed) == "0" || trimmed[0] != '{' {
		return nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, false
	}

	values := make(map[string]string, len(responseKeys))
	for _, key := range responseKeys {
		values[key] = defaultIfFalsy(raw[key])
	}

	resp := &UpdateResponse{
		ChannelID: parseInt(values["channel_id"]),
		EntryID:   parseInt(values["entry_id"]),
		Status:    values["status"],
		CreatedAt: values["created_at"],
		Latitude:  parseFloat(values["latitude"]),
		Longitude: parseFloat(values["longitude"]),
		Elevation: parseFloat(values["elevation"]),
	}
	for i := 0; i < MaxFields; i++ {
		resp.Fields[i] = values["field"+strconv.Itoa(i+1)]
	}

	// created_at "0" means the service did not report a time
	if resp.CreatedAt == zeroDefault {
		resp.CreatedAt = ""
	}

	return resp, true
}

// defaultIfFalsy renders a decoded JSON value, replacing falsy ones with "0"
func defaultIfFalsy(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return zeroDefault
	case bool:
		if !t {
			return zeroDefault
		}
		return "1"
	case string:
		if t == "" {
			return zeroDefault
		}
		return t
	case json.Number:
		if f, err := t.Float64(); err == nil && f == 0 {
			return zeroDefault
		}
		return t.String()
	default:
		// nested objects and arrays are not part of the contract
		data, err := json.Marshal(t)
		if err != nil {
			return zeroDefault
		}
		return string(data)
	}
}

func parseInt(s string) int64 {
	if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
		return i
	}
	return int64(parseFloat(s))
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
