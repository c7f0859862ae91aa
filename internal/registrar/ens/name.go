package ens

import (
	"math/big"
	"strings"

	"github.com/compose-network/company-registrar/internal/registrar/failure"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	TLD            = "eth"
	minLabelLength = 3
)

// FullName turns a label into its .eth name.
func FullName(label string) string {
	return label + "." + TLD
}

// Namehash implements the recursive ENS name hash.
func Namehash(name string) common.Hash {
	var node common.Hash
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		node = crypto.Keccak256Hash(node.Bytes(), LabelHash(labels[i]).Bytes())
	}
	return node
}

func LabelHash(label string) common.Hash {
	return crypto.Keccak256Hash([]byte(label))
}

// TokenID is the BaseRegistrar ERC-721 id of a .eth label.
func TokenID(label string) *big.Int {
	return new(big.Int).SetBytes(LabelHash(label).Bytes())
}

// Node is the namehash of label.eth.
func Node(label string) common.Hash {
	return Namehash(FullName(label))
}

// ValidateLabel accepts lowercase letters, digits and inner hyphens, at least
// three characters long.
func ValidateLabel(label string) error {
	if len(label) < minLabelLength {
		return failure.New(failure.CodeInvalidInput, failure.KindValidation, "name %q must be at least %d characters", label, minLabelLength)
	}
	if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
		return failure.New(failure.CodeInvalidInput, failure.KindValidation, "name %q must not start or end with a hyphen", label)
	}
	for _, r := range label {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			continue
		}
		return failure.New(failure.CodeInvalidInput, failure.KindValidation, "name %q contains unsupported character %q", label, r)
	}
	return nil
}

// NormalizeLabel lowercases and strips a trailing .eth.
func NormalizeLabel(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, "."+TLD)
}
