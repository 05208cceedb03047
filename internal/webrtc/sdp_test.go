package webrtc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchSetupRole_InsertsAfterIceOptions(t *testing.T) {
	offer := "v=0\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 102\n" +
		"a=ice-options:trickle\n" +
		"a=mid:0\n"

	patched := PatchSetupRole(offer)

	assert.Contains(t, patched, "a=ice-options:trickle\na=setup:actpass\na=mid:0\n")
}

func TestPatchSetupRole_KeepsCRLF(t *testing.T) {
	offer := "v=0\r\na=ice-options:trickle\r\na=mid:0\r\n"

	patched := PatchSetupRole(offer)

	assert.Equal(t, "v=0\r\na=ice-options:trickle\r\na=setup:actpass\r\na=mid:0\r\n", patched)
}

func TestPatchSetupRole_OnlyFirstAnchor(t *testing.T) {
	offer := "a=ice-options:trickle\na=mid:0\na=ice-options:trickle\na=mid:1\n"

	patched := PatchSetupRole(offer)

	assert.Equal(t, "a=ice-options:trickle\na=setup:actpass\na=mid:0\na=ice-options:trickle\na=mid:1\n", patched)
}

func TestPatchSetupRole_AlreadyPresent(t *testing.T) {
	offer := "a=ice-options:trickle\na=setup:actpass\n"
	assert.Equal(t, offer, PatchSetupRole(offer))
}

func TestPatchSetupRole_NoAnchorLeavesOfferUnchanged(t *testing.T) {
	offer := "v=0\nm=video 9 UDP/TLS/RTP/SAVPF 102\na=mid:0\n"
	assert.Equal(t, offer, PatchSetupRole(offer))
}

func TestParseAnswer(t *testing.T) {
	valid := "v=0\r\n" +
		"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 102\r\n" +
		"c=IN IP4 0.0.0.0\r\n" +
		"a=mid:0\r\n" +
		"a=sendonly\r\n"

	desc, err := parseAnswer(valid)
	require.NoError(t, err)
	assert.Len(t, desc.MediaDescriptions, 1)

	_, err = parseAnswer("")
	assert.Error(t, err)

	_, err = parseAnswer("<html>502 Bad Gateway</html>")
	assert.Error(t, err)

	_, err = parseAnswer("v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n")
	assert.Error(t, err)
}
