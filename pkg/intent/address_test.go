package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Reference vectors from the EIP-55 specification.
var checksummed = []string{
	"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
	"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
	"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
}

func TestChecksumAddress(t *testing.T) {
	for _, addr := range checksummed {
		got, err := ChecksumAddress(addr)
		require.NoError(t, err)
		assert.Equal(t, addr, got)
	}
}

func TestVerifyChecksumAddress(t *testing.T) {
	for _, addr := range checksummed {
		assert.NoError(t, VerifyChecksumAddress(addr))
	}
}

func TestVerifyAcceptsUncased(t *testing.T) {
	assert.NoError(t, VerifyChecksumAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"))
	assert.NoError(t, VerifyChecksumAddress("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED"))
}

func TestVerifyRejectsBadChecksum(t *testing.T) {
	// Last character case flipped.
	assert.Error(t, VerifyChecksumAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD"))
}

func TestVerifyRejectsMalformed(t *testing.T) {
	assert.Error(t, VerifyChecksumAddress("5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
	assert.Error(t, VerifyChecksumAddress("0x1234"))
	assert.Error(t, VerifyChecksumAddress("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAzz"))
}

func TestIsEVMChain(t *testing.T) {
	assert.True(t, IsEVMChain("ethereum"))
	assert.True(t, IsEVMChain("Arbitrum"))
	assert.False(t, IsEVMChain("solana"))
	assert.False(t, IsEVMChain("hyperliquid"))
}
