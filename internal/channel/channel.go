// Package channel enumerates the marketplaces served by an agent. The set is
// closed: adding a marketplace is a code change, not data.
package channel

import (
	"fmt"
	"slices"

	"github.com/nexo-labs/nexo/pkg/cerr"
)

type Channel string

const (
	Amazon       Channel = "amazon"
	Shopee       Channel = "shopee"
	MercadoLibre Channel = "mercadolibre"
	Lazada       Channel = "lazada"
	TikTokShop   Channel = "tiktok_shop"
	Walmart      Channel = "walmart"
)

var all = []Channel{Amazon, Shopee, MercadoLibre, Lazada, TikTokShop, Walmart}

// All returns every channel in enumeration order.
func All() []Channel {
	return slices.Clone(all)
}

func (c Channel) Valid() bool {
	return slices.Contains(all, c)
}

func (c Channel) String() string {
	return string(c)
}

// AgentID is the identity the channel's agent uses as createdBy.
func (c Channel) AgentID() string {
	return "agent-" + string(c)
}

// Index is the enumeration position, -1 for unknown channels.
func (c Channel) Index() int {
	return slices.Index(all, c)
}

func Parse(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", cerr.Validation(fmt.Sprintf("unknown channel %q", s)).
			AddDetailMessageWithCode(fmt.Sprintf("channel must be one of %v", all), "channel.in")
	}
	return c, nil
}

// ParseList validates keys and returns them de-duplicated in enumeration
// order. An empty list selects every channel.
func ParseList(keys []string) ([]Channel, error) {
	if len(keys) == 0 {
		return All(), nil
	}
	seen := make(map[Channel]bool, len(keys))
	for _, k := range keys {
		c, err := Parse(k)
		if err != nil {
			return nil, err
		}
		seen[c] = true
	}
	out := make([]Channel, 0, len(seen))
	for _, c := range all {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

// FromAgentID is the inverse of AgentID.
func FromAgentID(agentID string) (Channel, bool) {
	for _, c := range all {
		if c.AgentID() == agentID {
			return c, true
		}
	}
	return "", false
}
