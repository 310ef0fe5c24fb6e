package core

import "sort"

// IsReliable reports whether f can be piped directly: it has a playable URL, a known
// length and is not a manifest pointer.
func IsReliable(f Format) bool {
	return f.URL != "" && f.ContentLength > 0 && !f.IsHLS && !f.IsDASH
}

// ChooseAudioFormat picks the best audio-only format.
//
// Ordering is reliable first, then bitrate descending (missing bitrate counts as 0).
// When nothing is reliable the head of that ordering is still returned.
// The second result is false when formats holds no audio-only entry.
func ChooseAudioFormat(formats []Format) (Format, bool) {
	candidates := make([]Format, 0, len(formats))
	for _, f := range formats {
		if f.IsAudioOnly() {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return Format{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := IsReliable(candidates[i]), IsReliable(candidates[j])
		if ri != rj {
			return ri
		}
		return bitrateOf(candidates[i]) > bitrateOf(candidates[j])
	})
	return candidates[0], true
}

func bitrateOf(f Format) int {
	if f.Bitrate > 0 {
		return f.Bitrate
	}
	return 0
}
