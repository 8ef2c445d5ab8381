// Package actions encodes button intents into the opaque callback data
// carried by inline keyboards. Each kind has a distinct prefix, so ids of
// different entity kinds can never collide.
package actions

import (
	"strconv"
	"strings"
)

type Kind string

const (
	// SubmitOffer targets an order id; the rest target offer ids.
	SubmitOffer Kind = "offer"
	Accept      Kind = "accept"
	Reject      Kind = "reject"
)

func Encode(k Kind, id int64) string {
	return string(k) + "_" + strconv.FormatInt(id, 10)
}

func Decode(data string) (Kind, int64, bool) {
	i := strings.LastIndexByte(data, '_')
	if i < 0 {
		return "", 0, false
	}
	k := Kind(data[:i])
	switch k {
	case SubmitOffer, Accept, Reject:
	default:
		return "", 0, false
	}
	id, err := strconv.ParseInt(data[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return k, id, true
}
