package notifications

import "github.com/proxyshop/notifycore/internal/domain"

// alwaysDeliver lists transaction-critical topics that ignore stored
// preferences.
var alwaysDeliver = map[domain.Topic]bool{
	domain.TopicWishQuote:     true,
	domain.TopicQuoteAccepted: true,
	domain.TopicOrderStatus:   true,
}

// ShouldSendPush reports whether a push for topic may be delivered to a user
// with the given preferences.
func ShouldSendPush(topic domain.Topic, prefs domain.Preferences) bool {
	return allowed(topic, prefs)
}

// ShouldSendEmail reports whether an email for topic may be delivered to a
// user with the given preferences.
func ShouldSendEmail(topic domain.Topic, prefs domain.Preferences) bool {
	return allowed(topic, prefs)
}

func allowed(topic domain.Topic, prefs domain.Preferences) bool {
	if alwaysDeliver[topic] {
		return true
	}

	switch topic {
	case domain.TopicChat:
		return prefs.ChatPushEnabled
	case domain.TopicWish:
		return prefs.WishPushEnabled
	case domain.TopicChatDigest:
		return prefs.EmailDigestEnabled
	default:
		// Topics without a switch are always delivered.
		return true
	}
}
