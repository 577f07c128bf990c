// Package ws fans job state events out to connected websocket clients.
package ws

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// Packet is the wire frame. "to" targets one session; empty broadcasts.
type Packet struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
	To    string `json:"to,omitempty"`
}

// Encode marshals the packet for the wire, dropping the routing field.
func (p Packet) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}{p.Event, p.Data})
}

// DecodePacket parses an inbound frame.
func DecodePacket(raw []byte) (Packet, error) {
	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return Packet{}, err
	}
	if p.Event == "" {
		return Packet{}, fmt.Errorf("packet missing event")
	}
	return p, nil
}

const sidLetters = "abcdefghijklmnopqrstuvwxyz"

// newSessionID builds "<5 random lowercase>-<unix seconds>".
func newSessionID() string {
	buf := make([]byte, 5)
	for i := range buf {
		buf[i] = sidLetters[rand.Intn(len(sidLetters))] // #nosec G404
	}
	return fmt.Sprintf("%s-%d", buf, time.Now().UTC().Unix())
}
