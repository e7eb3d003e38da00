package model

// TokenMeta captures ERC20 metadata.
type TokenMeta struct {
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
}

// Label is the symbol when known, else the address.
func (m TokenMeta) Label() string {
	if m.Symbol != "" {
		return m.Symbol
	}
	return m.Address
}

// MatchesScale reports whether the token's decimals equal the converter scale.
func (m TokenMeta) MatchesScale(scale int) bool {
	return int(m.Decimals) == scale
}
