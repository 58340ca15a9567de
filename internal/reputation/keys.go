package reputation

import "strings"

const (
	flagValue = "true"

	// Labels name the per-actor sub-records that Expire can target.
	LabelMarked    = "repsheet"
	LabelBlacklist = "repsheet:blacklist"
	LabelWhitelist = "repsheet:whitelist"

	reasonSuffix = ":reason"

	MarkedCountriesKey = "repsheet:countries:marked"
)

// ActorKey builds {id}:{kind}:{label}.
func ActorKey(kind Kind, id, label string) string {
	return id + ":" + kind.Namespace() + ":" + label
}

func ReasonKey(kind Kind, id, label string) string {
	return ActorKey(kind, id, label) + reasonSuffix
}

// BlacklistHistoryKey is the process-wide audit set for kind.
func BlacklistHistoryKey(kind Kind) string {
	return "repsheet:" + kind.Namespace() + ":blacklist:history"
}

// truncateReason cuts reason to MaxReasonLength bytes without splitting a
// UTF-8 sequence.
func truncateReason(reason string) string {
	if len(reason) <= MaxReasonLength {
		return reason
	}
	cut := MaxReasonLength
	for cut > 0 && !isRuneStart(reason[cut]) {
		cut--
	}
	return strings.Clone(reason[:cut])
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
