package chat

import "strings"

// Bundle is a group of chats answered as one conversation. The first member
// is the destination every member's messages are merged into.
type Bundle []Name

// ParseBundle splits a comma separated list of chat titles.
func ParseBundle(spec string) Bundle {
	var b Bundle
	for _, part := range strings.Split(spec, ",") {
		if name := strings.TrimSpace(part); name != "" {
			b = append(b, Name(name))
		}
	}
	return b
}

// Bundles is the static bundle configuration.
type Bundles []Bundle

// Destination resolves a chat to the chat its messages are merged into.
func (bs Bundles) Destination(name Name) Name {
	for _, b := range bs {
		if len(b) == 0 {
			continue
		}
		for _, member := range b {
			if member == name {
				return b[0]
			}
		}
	}
	return name
}
