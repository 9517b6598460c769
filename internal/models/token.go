package models

// Token locates an asset on an EVM network. The zero address stands for
// the native coin.
type Token struct {
	Address  string `json:"address" yaml:"address"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
}
