// Package sharding encodes and decodes the pieces of a split private key
// exchanged between the owner and its approvers. The key is split with
// Shamir's Secret Sharing; each share is encrypted so only its intended
// holder can recover it, and reconstruction requires at least threshold
// shares with no partial recovery below that.
package sharding

import (
	"errors"
	"fmt"

	"github.com/hashicorp/vault/shamir"

	"github.com/keyquorum/recovery-backend/cryptoutils"
	"github.com/keyquorum/recovery-backend/interfaces"
)

// Recipient describes one shard holder. Owner recipients get their shard
// entropy-encrypted under the owner device key; external recipients get it
// encrypted to their approver public key.
type Recipient struct {
	ParticipantId     interfaces.ParticipantId
	IsOwner           bool
	ApproverPublicKey cryptoutils.PublicKey

	// Owner-shard material; unused for external recipients.
	OwnerDeviceKey cryptoutils.PrivateKey
	OwnerEntropy   cryptoutils.Entropy
}

// SplitKey splits the private key into one encrypted shard per recipient,
// any threshold of which reconstruct it.
//
// Shamir requires threshold >= 2; the owner-only threshold-1 policy is a
// trivial 1-of-n sharing where every shard carries the whole key.
func SplitKey(key cryptoutils.PrivateKey, threshold uint, recipients []Recipient) ([]interfaces.EncryptedShard, error) {
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}
	if uint(len(recipients)) < threshold {
		return nil, errors.New("number of recipients must be at least the threshold")
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var shares [][]byte
	if threshold == 1 {
		for range recipients {
			shares = append(shares, key.Bytes())
		}
	} else {
		split, err := shamir.Split(key.Bytes(), len(recipients), int(threshold))
		if err != nil {
			return nil, fmt.Errorf("failed to split key: %w", err)
		}
		shares = split
	}

	shards := make([]interfaces.EncryptedShard, 0, len(recipients))
	for i, recipient := range recipients {
		shard := interfaces.EncryptedShard{
			ParticipantId: recipient.ParticipantId,
			IsOwnerShard:  recipient.IsOwner,
		}

		if recipient.IsOwner {
			encrypted, err := cryptoutils.EncryptWithEntropy(recipient.OwnerDeviceKey, recipient.OwnerEntropy, shares[i])
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt owner shard: %w", err)
			}
			shard.EncryptedShard = encrypted
			shard.OwnerEntropy = recipient.OwnerEntropy
		} else {
			if err := recipient.ApproverPublicKey.Validate(); err != nil {
				return nil, fmt.Errorf("recipient %s: %w", recipient.ParticipantId, err)
			}
			encrypted, err := cryptoutils.EncryptAsymmetric(recipient.ApproverPublicKey, shares[i])
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt shard for %s: %w", recipient.ParticipantId, err)
			}
			shard.EncryptedShard = encrypted
			shard.ApproverPublicKey = recipient.ApproverPublicKey
		}

		shards = append(shards, shard)
	}

	return shards, nil
}

// ReconstructKey combines decrypted shares back into the original private
// key. Fewer than threshold shares is an unrecoverable
// interfaces.ErrInsufficientShards.
func ReconstructKey(shares [][]byte, threshold uint) (cryptoutils.PrivateKey, error) {
	if uint(len(shares)) < threshold || len(shares) == 0 {
		return "", interfaces.ErrInsufficientShards
	}

	if threshold <= 1 {
		return cryptoutils.PrivateKeyFromBytes(shares[0])
	}

	raw, err := shamir.Combine(shares)
	if err != nil {
		return "", fmt.Errorf("%w: %s", interfaces.ErrCrypto, err)
	}

	key, err := cryptoutils.PrivateKeyFromBytes(raw)
	if err != nil {
		return "", fmt.Errorf("%w: reconstructed bytes are not a valid key", interfaces.ErrCrypto)
	}
	return key, nil
}

// DecryptOwnerShard recovers the owner's plaintext share using the device
// key and the entropy recorded on the shard.
func DecryptOwnerShard(shard interfaces.EncryptedShard, deviceKey cryptoutils.PrivateKey) ([]byte, error) {
	if !shard.IsOwnerShard {
		return nil, errors.New("not an owner shard")
	}
	share, err := cryptoutils.DecryptWithEntropy(deviceKey, shard.OwnerEntropy, shard.EncryptedShard)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrCrypto, err)
	}
	return share, nil
}

// ReencryptShard is the approver-side approval step: decrypt the stored
// shard with the approver private key and re-encrypt it to the owner's live
// access public key. The approver private key never leaves the device.
func ReencryptShard(approverKey cryptoutils.PrivateKey, encryptedShard []byte, accessPublicKey cryptoutils.PublicKey) ([]byte, error) {
	share, err := cryptoutils.DecryptAsymmetric(approverKey, encryptedShard)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrCrypto, err)
	}

	reencrypted, err := cryptoutils.EncryptAsymmetric(accessPublicKey, share)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encrypt shard: %w", err)
	}
	return reencrypted, nil
}
