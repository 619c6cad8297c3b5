package identity

import (
	"fmt"
	"strconv"
	"strings"

	"meshchat/models"
)

const (
	// PublicChannelLabel names channel 0.
	PublicChannelLabel = "Public"

	senderSeparator    = ": "
	maxSenderPrefixLen = 50
)

// ChannelResolution is the attributed sender of a channel message.
type ChannelResolution struct {
	SenderLabel string
	SenderRef   string
	// Body is the message text with any recognised sender prefix removed.
	Body string
	Peer *models.Peer
}

// ExtractChannelSender splits "Name: body" channel text. The prefix counts as
// a sender only when it is shorter than 50 bytes and does not start with a
// space; otherwise the sender is UnknownSender and the body is the whole text.
//
// A body that itself contains ": " early on is misattributed; the channel
// format carries no other sender field to tell the cases apart.
func ExtractChannelSender(text string) (sender, body string) {
	prefix, rest, found := strings.Cut(text, senderSeparator)
	if !found || prefix == "" || len(prefix) >= maxSenderPrefixLen || strings.HasPrefix(prefix, " ") {
		return UnknownSender, text
	}
	return prefix, rest
}

// ResolveChannel attributes a channel message. An explicit sender reference
// that matches a peer wins over the name embedded in the text. Without a
// reference, a peer whose name matches the extracted sender supplies the ref.
func (r *Resolver) ResolveChannel(senderRef, text string) ChannelResolution {
	sender, body := ExtractChannelSender(text)
	res := ChannelResolution{SenderLabel: sender, SenderRef: senderRef, Body: body}

	if senderRef != "" {
		if peer, ok := r.lookupKey(senderRef); ok {
			res.SenderLabel = peer.DisplayName()
			res.Peer = &peer
		}
		return res
	}

	if sender != UnknownSender {
		if peer, ok := r.PeerByName(sender); ok {
			res.SenderRef = peer.IdentityKey
			res.Peer = &peer
		}
	}
	return res
}

// ChannelLabel returns the display label of a channel index.
func ChannelLabel(index int) string {
	if index == 0 {
		return PublicChannelLabel
	}
	return fmt.Sprintf("Channel %d", index)
}

// ParseChannelLabel is the inverse of ChannelLabel.
func ParseChannelLabel(label string) (int, bool) {
	if label == PublicChannelLabel {
		return 0, true
	}
	rest, ok := strings.CutPrefix(label, "Channel ")
	if !ok {
		return 0, false
	}
	index, err := strconv.Atoi(rest)
	if err != nil || index <= 0 {
		return 0, false
	}
	return index, true
}
