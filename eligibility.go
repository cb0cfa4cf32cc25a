package livechat

import "time"

// Eligibility is whether an operator may reply in a conversation.
type Eligibility int

const (
	// CannotInteract: the platform has no reply channel at all.
	CannotInteract Eligibility = iota
	// CanViewOnly: replies are possible in principle but not right now.
	CanViewOnly
	// CanMessage: the policy window is open, a human has taken over and the
	// bot is not responding.
	CanMessage
)

func (e Eligibility) String() string {
	switch e {
	case CannotInteract:
		return "cannot_interact"
	case CanViewOnly:
		return "can_view_only"
	case CanMessage:
		return "can_message"
	}
	return "unknown"
}

// MessagingWindow is the rolling window after the customer's last message
// during which windowed platforms accept operator replies.
const MessagingWindow = 24 * time.Hour

type platformPolicy struct {
	interactive bool
	window      time.Duration
}

var platformPolicies = map[Platform]platformPolicy{
	PlatformGoogleActions: {interactive: false},
	PlatformFacebook:      {interactive: true, window: MessagingWindow},
}

func policyFor(p Platform) platformPolicy {
	if pol, ok := platformPolicies[p]; ok {
		return pol
	}
	return platformPolicy{interactive: true}
}

// Evaluate computes the eligibility of conv at now. msgs are the loaded
// messages of the conversation in server order. Nothing is cached: the time
// window is evaluated against now on every call.
func Evaluate(conv Conversation, msgs []Message, now time.Time) Eligibility {
	pol := policyFor(conv.Platform)
	if !pol.interactive {
		return CannotInteract
	}
	if !windowOpen(pol, msgs, now) {
		return CanViewOnly
	}
	if conv.AgentResponding || !conv.CurrentUserResponding {
		return CanViewOnly
	}
	return CanMessage
}

func windowOpen(pol platformPolicy, msgs []Message, now time.Time) bool {
	if pol.window == 0 {
		return true
	}
	var (
		lastInbound  *Message
		repliedSince bool
	)
	for i := range msgs {
		if msgs[i].Direction.Inbound() {
			lastInbound = &msgs[i]
			repliedSince = false
		} else if lastInbound != nil {
			repliedSince = true
		}
	}
	if lastInbound == nil || repliedSince {
		return false
	}
	return now.Sub(lastInbound.Time()) < pol.window
}
