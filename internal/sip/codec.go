package sip

import (
	"sort"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// DeviceCodecOverride pins the audio payload types a given device model is
// allowed to offer, in preference order. Rows are looked up by a substring
// match against the phone's registered User-Agent, so a new device model
// is added here as data, never as a branch in the negotiation path.
type DeviceCodecOverride struct {
	// Match is matched case-insensitively as a substring of the phone's
	// registered User-Agent header.
	Match string

	Vendor string
	Model  string

	// Formats lists the allowed RTP payload types, most preferred first.
	Formats []int
}

// deviceCodecTable is the offer-side per-device-model codec override table.
var deviceCodecTable = []DeviceCodecOverride{
	{Match: "ZIP37G", Vendor: "zultys", Model: "ZIP37G", Formats: []int{0, 8, 101}},
	{Match: "ZIP33G", Vendor: "zultys", Model: "ZIP33G", Formats: []int{2, 18, 9, 114, 113, 112, 101}},
}

// lookupDeviceCodecOverride finds the override row for a phone's registered
// User-Agent string. Returns nil if no row matches, meaning the caller's
// full configured codec list should be offered unchanged.
func lookupDeviceCodecOverride(userAgent string) *DeviceCodecOverride {
	if userAgent == "" {
		return nil
	}
	ua := strings.ToUpper(userAgent)
	for i := range deviceCodecTable {
		if strings.Contains(ua, strings.ToUpper(deviceCodecTable[i].Match)) {
			return &deviceCodecTable[i]
		}
	}
	return nil
}

// applyDeviceCodecOverride intersects an SDP offer's audio format list with
// the target device's codec override, preserving the override's preference
// order. The offer bytes are returned unchanged if there is no override for
// this User-Agent or the SDP can't be parsed (fail open, don't block the call).
func applyDeviceCodecOverride(offerSDP []byte, userAgent string) []byte {
	override := lookupDeviceCodecOverride(userAgent)
	if override == nil || len(offerSDP) == 0 {
		return offerSDP
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal(offerSDP); err != nil {
		return offerSDP
	}

	changed := false
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}
		filtered := intersectFormats(md.MediaName.Formats, override.Formats)
		if len(filtered) == 0 {
			continue
		}
		md.MediaName.Formats = filtered
		changed = true
	}
	if !changed {
		return offerSDP
	}

	out, err := sd.Marshal()
	if err != nil {
		return offerSDP
	}
	return out
}

// intersectFormats keeps only the offered payload types also present in
// allowed, reordered to match allowed's preference order. Falls back to the
// original offered list if the intersection is empty, so a device we have
// an override row for but whose table entry mismatches the actual offer
// never ends up with no usable codec at all.
func intersectFormats(offered []string, allowed []int) []string {
	rank := make(map[string]int, len(allowed))
	for i, pt := range allowed {
		rank[strconv.Itoa(pt)] = i
	}

	kept := make([]string, 0, len(offered))
	for _, pt := range offered {
		if _, ok := rank[pt]; ok {
			kept = append(kept, pt)
		}
	}
	if len(kept) == 0 {
		return offered
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return rank[kept[i]] < rank[kept[j]]
	})
	return kept
}
