package store

import "iter"

// pull adapts a message sequence to a next/stop pair, dropping errors.
func pull(seq iter.Seq2[Message, error]) (func() (Message, bool), func()) {
	next, stop := iter.Pull2(seq)
	return func() (Message, bool) {
		m, _, ok := next()
		return m, ok
	}, stop
}
