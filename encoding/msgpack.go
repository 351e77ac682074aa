// Package encoding provides centralized serialization/deserialization for Civet.
// ALL msgpack operations MUST go through this package to ensure consistent behavior.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte).
package encoding

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte).
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// UseLooseInterfaceDecoding converts []byte to string when decoding into
	// interface{}.
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}

// Key builders for the ordered key-value backends. Numeric components are
// fixed-width hex so lexicographic ordering matches numeric ordering.

// SessionKey returns the key under which a session's durable record lives.
func SessionKey(sid string) string {
	return fmt.Sprintf("/sess/%s", sid)
}

// StatementKey returns the key for one executed statement of a transaction.
func StatementKey(sid string, txnNumber int64, stmtID int32) string {
	return fmt.Sprintf("/sess_stmt/%s/%016x/%08x", sid, uint64(txnNumber), uint32(stmtID))
}

// StatementPrefix returns the scan prefix covering every statement a session
// has persisted, across all transaction numbers.
func StatementPrefix(sid string) string {
	return fmt.Sprintf("/sess_stmt/%s/", sid)
}

// TxnStatementPrefix returns the scan prefix covering the statements of a
// single transaction.
func TxnStatementPrefix(sid string, txnNumber int64) string {
	return fmt.Sprintf("/sess_stmt/%s/%016x/", sid, uint64(txnNumber))
}
