package models

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// GenesisHash is the prev_hash of the first event in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var ErrChainBroken = errors.New("event hash chain broken")

// CanonicalizeJSON returns a canonical form with sorted object keys and no
// insignificant whitespace. Numbers are emitted as written.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(t))
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// EventHash computes blake3(prev_hash || "|" || canonical(event fields)).
func EventHash(evt Event) (string, error) {
	binding := struct {
		Seq        int64           `json:"seq"`
		EventID    string          `json:"event_id"`
		Type       string          `json:"type"`
		Actor      string          `json:"actor"`
		VaultID    string          `json:"vault_id"`
		RecoveryID uint64          `json:"recovery_id"`
		Payload    json.RawMessage `json:"payload"`
		CreatedAt  string          `json:"created_at"`
	}{
		Seq:        evt.Seq,
		EventID:    evt.EventID,
		Type:       evt.Type,
		Actor:      evt.Actor,
		VaultID:    evt.VaultID,
		RecoveryID: evt.RecoveryID,
		Payload:    evt.Payload,
		CreatedAt:  evt.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if len(binding.Payload) == 0 {
		binding.Payload = json.RawMessage("null")
	}
	raw, err := json.Marshal(binding)
	if err != nil {
		return "", fmt.Errorf("marshal event binding: %w", err)
	}
	canon, err := CanonicalizeJSON(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event binding: %w", err)
	}
	h := blake3.New()
	_, _ = h.Write([]byte(evt.PrevHash))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SealEvent links evt to the previous event and fills Seq, PrevHash and Hash.
func SealEvent(prevSeq int64, prevHash string, evt *Event) error {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	evt.Seq = prevSeq + 1
	evt.PrevHash = prevHash
	evt.CreatedAt = evt.CreatedAt.UTC().Truncate(time.Microsecond)
	hash, err := EventHash(*evt)
	if err != nil {
		return err
	}
	evt.Hash = hash
	return nil
}

// VerifyChain checks that events are contiguous and every hash matches.
// prevHash is the hash of the event preceding events[0] (GenesisHash or "" for the start).
func VerifyChain(prevHash string, events []Event) error {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	for i, evt := range events {
		if evt.PrevHash != prevHash {
			return fmt.Errorf("%w: seq %d prev_hash mismatch", ErrChainBroken, evt.Seq)
		}
		if i > 0 && evt.Seq != events[i-1].Seq+1 {
			return fmt.Errorf("%w: seq gap before %d", ErrChainBroken, evt.Seq)
		}
		want, err := EventHash(evt)
		if err != nil {
			return err
		}
		if want != evt.Hash {
			return fmt.Errorf("%w: seq %d hash mismatch", ErrChainBroken, evt.Seq)
		}
		prevHash = evt.Hash
	}
	return nil
}
