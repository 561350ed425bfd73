package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message types.
const (
	TypeResult = "result"
	TypeFinish = "finish"
)

// Message is one worker report (or the finish signal).
type Message struct {
	Type     string    `json:"type"`
	CustomID string    `json:"customId,omitempty"`
	Data     []Section `json:"data,omitempty"`
}

// Section is one output block of a simulation run. Results is column-major:
// Results[i] holds the values of OutputIDs[i], one per output row.
type Section struct {
	OrigSpec  string              `json:"origSpec,omitempty"`
	OutputIDs []OutputID          `json:"outputIds"`
	Results   [][]json.RawMessage `json:"results"`
}

type OutputID struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// Label is the name a value is stored under.
func (o OutputID) Label() string {
	if o.DisplayName != "" {
		return o.DisplayName
	}
	return o.Name
}

// Decode validates b against the message schema and decodes it.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := Validate(b); err != nil {
		return m, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}
