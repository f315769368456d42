package core

import "strings"

// Predicate selects a queued notice. It receives a scratch notice that is
// only valid for the duration of the call and must not retain or modify it.
type Predicate func(n *Notice) bool

// Any matches every notice.
func Any(*Notice) bool { return true }

// MatchClass matches notices of the given class and instance. Classes and
// instances compare case-insensitively; an empty instance or "*" matches any
// instance.
func MatchClass(class, instance string) Predicate {
	return func(n *Notice) bool {
		if !strings.EqualFold(n.Class, class) {
			return false
		}
		return instance == "" || instance == "*" || strings.EqualFold(n.Instance, instance)
	}
}

// MatchRecipient matches notices addressed to recipient.
func MatchRecipient(recipient string) Predicate {
	return func(n *Notice) bool {
		return n.Recipient == recipient
	}
}

// And matches when every predicate matches.
func And(preds ...Predicate) Predicate {
	return func(n *Notice) bool {
		for _, p := range preds {
			if !p(n) {
				return false
			}
		}
		return true
	}
}
