package channels

import (
	"context"
)

// Replier sends responses to the sender of one incoming message through the
// channel it arrived on.
type Replier struct {
	ch  Channel
	msg *IncomingMessage
}

// NewReplier binds ch to the reply address of msg.
func NewReplier(ch Channel, msg *IncomingMessage) *Replier {
	return &Replier{ch: ch, msg: msg}
}

// Text sends a text reply.
func (r *Replier) Text(ctx context.Context, text string) error {
	return r.ch.Send(ctx, r.msg.ReplyTo(), &OutgoingMessage{Content: text})
}

// Media sends a media reply. Channels without media support get
// ErrMediaNotSupported.
func (r *Replier) Media(ctx context.Context, media *MediaMessage) error {
	mc, ok := r.ch.(MediaChannel)
	if !ok {
		return ErrMediaNotSupported
	}
	return mc.SendMedia(ctx, r.msg.ReplyTo(), media)
}

// ProfilePictureURL returns the sender's profile picture URL, or "" when
// the channel cannot resolve one.
func (r *Replier) ProfilePictureURL(ctx context.Context) (string, error) {
	pc, ok := r.ch.(ProfileChannel)
	if !ok {
		return "", nil
	}
	return pc.ProfilePictureURL(ctx, r.msg.From)
}
