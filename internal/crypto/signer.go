package crypto

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/optionamm/internal/domain"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// PriceUpdate(bytes32 asset,uint256 price,uint64 publishTime)
	priceUpdateTypeHash = ethcrypto.Keccak256(
		[]byte("PriceUpdate(bytes32 asset,uint256 price,uint64 publishTime)"),
	)
)

const (
	domainName    = "OptionAMM PriceFeed"
	domainVersion = "1"
)

// Signer signs push-oracle price updates with a publisher key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key. The
// chain ID only separates signatures between deployments.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  DomainSeparator(chainID),
	}, nil
}

// Address returns the publisher address derived from the private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignUpdate returns a signed price update.
func (s *Signer) SignUpdate(u domain.PriceUpdate) (domain.PriceUpdate, error) {
	digest := UpdateDigest(s.domainSep, u)
	sig, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return domain.PriceUpdate{}, domain.Errorf(domain.ErrSigningFailed, "crypto/signer: %v", err)
	}
	u.Signature = sig
	return u, nil
}

// DomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func DomainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// UpdateDigest computes the EIP-712 digest of a price update:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func UpdateDigest(domainSep []byte, u domain.PriceUpdate) common.Hash {
	var asset [32]byte
	copy(asset[:], u.Asset)
	var ts [32]byte
	binary.BigEndian.PutUint64(ts[24:], uint64(u.PublishTime.Unix()))
	price := u.Price.Raw().Bytes32()

	structHash := ethcrypto.Keccak256(
		concatBytes(priceUpdateTypeHash, asset[:], price[:], ts[:]),
	)
	return common.BytesToHash(ethcrypto.Keccak256(
		concatBytes([]byte{0x19, 0x01}, domainSep, structHash),
	))
}

// RecoverPublisher returns the address that signed u.
func RecoverPublisher(domainSep []byte, u domain.PriceUpdate) (common.Address, error) {
	if len(u.Signature) != 65 {
		return common.Address{}, domain.Errorf(domain.ErrInvalidSignature, "signature length %d", len(u.Signature))
	}
	sig := make([]byte, 65)
	copy(sig, u.Signature)
	// Accept both {0,1} and {27,28} recovery bytes.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(UpdateDigest(domainSep, u).Bytes(), sig)
	if err != nil {
		return common.Address{}, domain.Errorf(domain.ErrInvalidSignature, "recover: %v", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
