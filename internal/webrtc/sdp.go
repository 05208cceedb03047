package webrtc

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pion/sdp/v3"
)

const setupActpass = "a=setup:actpass"

var iceOptionsTrickle = regexp.MustCompile(`a=ice-options:trickle[ \t]*(\r?\n)`)

// PatchSetupRole makes the DTLS role negotiation explicit for servers that
// require it: when the offer lacks a=setup:actpass, the attribute is
// inserted right after the first a=ice-options:trickle line. Without that
// anchor line the offer is returned unchanged.
func PatchSetupRole(offer string) string {
	if strings.Contains(offer, setupActpass) {
		return offer
	}

	loc := iceOptionsTrickle.FindStringSubmatchIndex(offer)
	if loc == nil {
		return offer
	}
	end := loc[1]
	eol := offer[loc[2]:loc[3]]
	return offer[:end] + setupActpass + eol + offer[end:]
}

// parseAnswer validates the answer body returned by the signaling endpoint.
func parseAnswer(answer string) (*sdp.SessionDescription, error) {
	if strings.TrimSpace(answer) == "" {
		return nil, fmt.Errorf("empty answer")
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(answer)); err != nil {
		return nil, fmt.Errorf("parse answer: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("answer has no media sections")
	}
	return &desc, nil
}
