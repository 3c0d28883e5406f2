package intent

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// evmChains are the settlement domains whose addresses follow the 0x /
// EIP-55 checksum format. Testnet variants share the format.
var evmChains = map[string]bool{
	"ethereum":         true,
	"sepolia":          true,
	"arbitrum":         true,
	"arbitrum-sepolia": true,
	"base":             true,
	"base-sepolia":     true,
	"optimism":         true,
	"polygon":          true,
}

// IsEVMChain reports whether the chain uses EVM-style addresses.
func IsEVMChain(chain string) bool {
	return evmChains[strings.ToLower(chain)]
}

// ChecksumAddress returns the EIP-55 mixed-case form of a hex address.
func ChecksumAddress(addr string) (string, error) {
	hexPart, err := normalizeHexAddress(addr)
	if err != nil {
		return "", err
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(hexPart))
	digest := h.Sum(nil)

	out := make([]byte, len(hexPart))
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		if c >= 'a' && c <= 'f' {
			// Uppercase when the corresponding digest nibble is >= 8.
			nibble := digest[i/2]
			if i%2 == 0 {
				nibble >>= 4
			}
			if nibble&0x0f >= 8 {
				c = c - 'a' + 'A'
			}
		}
		out[i] = c
	}
	return "0x" + string(out), nil
}

// VerifyChecksumAddress rejects malformed addresses and mixed-case addresses
// whose casing does not match the EIP-55 checksum. All-lowercase and
// all-uppercase addresses carry no checksum and are accepted as-is.
func VerifyChecksumAddress(addr string) error {
	hexPart, err := normalizeHexAddress(addr)
	if err != nil {
		return err
	}
	raw := strings.TrimPrefix(addr, "0x")
	if raw == hexPart || raw == strings.ToUpper(hexPart) {
		return nil
	}
	want, err := ChecksumAddress(addr)
	if err != nil {
		return err
	}
	if "0x"+raw != want {
		return fmt.Errorf("address checksum mismatch: %s", addr)
	}
	return nil
}

func normalizeHexAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, "0x") {
		return "", fmt.Errorf("address must start with 0x: %s", addr)
	}
	hexPart := strings.ToLower(addr[2:])
	if len(hexPart) != 40 {
		return "", fmt.Errorf("address must be 20 bytes of hex: %s", addr)
	}
	for _, c := range hexPart {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("address contains non-hex character: %s", addr)
		}
	}
	return hexPart, nil
}
