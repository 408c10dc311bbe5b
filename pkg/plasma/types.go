// Package plasma defines the domain types the storage core treats as opaque
// collaborators: accounts, operations, blocks and the proofs attached to
// them. Nothing here talks to a database; it only knows how to marshal
// itself to and from JSON, the wire format the storage core persists it as.
package plasma

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// BlockNumber identifies a rollup block. Blocks are numbered from 1; 0 means
// "no block yet".
type BlockNumber uint32

// AccountID identifies an account within the rollup's account tree.
type AccountID uint32

// Nonce is a per-signer monotonic counter used to relay operator
// transactions on-chain.
type Nonce uint32

// Account is the opaque per-account payload. Balance is pulled out as a
// named field (exact decimal, never a float) because every caller needs it;
// everything else the domain carries rides along in Extra.
type Account struct {
	Balance decimal.Decimal `json:"balance"`
	Extra   json.RawMessage `json:"extra,omitempty"`
}

// AccountMap is the account-id-keyed view of account state used throughout
// the Account Store.
type AccountMap map[AccountID]Account

// EncodedProof is the fixed-shape validity proof attached to a Verify
// action. The original protocol encodes a proof as eight field elements;
// each is carried as a decimal-string word so it round-trips through JSON
// without precision loss.
type EncodedProof [8]string

// ActionType is the literal persisted in operations.action_type. These
// exact strings are a cross-version compatibility contract; do not rename.
type ActionType string

const (
	ActionCommit ActionType = "Commit"
	ActionVerify ActionType = "Verify"
)

// Action is a tagged union: Commit carries no payload, Verify carries a
// proof. It marshals to {"type":"Commit"} or {"type":"Verify","proof":[...]}.
type Action struct {
	Type  ActionType
	Proof *EncodedProof // set only when Type == ActionVerify
}

type actionWire struct {
	Type  ActionType    `json:"type"`
	Proof *EncodedProof `json:"proof,omitempty"`
}

func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(actionWire{Type: a.Type, Proof: a.Proof})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var w actionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case ActionCommit:
	case ActionVerify:
		if w.Proof == nil {
			return fmt.Errorf("plasma: Verify action missing proof")
		}
	default:
		return fmt.Errorf("plasma: unknown action type %q", w.Type)
	}
	a.Type = w.Type
	a.Proof = w.Proof
	return nil
}

// BlockDataType is the literal persisted at block.block_data.type.
type BlockDataType string

const (
	BlockDataDeposit BlockDataType = "Deposit"
	BlockDataExit    BlockDataType = "Exit"
)

// BlockData is a tagged union over the batch kinds a block can carry.
type BlockData struct {
	Type         BlockDataType
	BatchNumber  int32
	Transactions []json.RawMessage
}

type blockDataWire struct {
	Type         BlockDataType      `json:"type"`
	BatchNumber  int32              `json:"batch_number"`
	Transactions []json.RawMessage `json:"transactions"`
}

func (b BlockData) MarshalJSON() ([]byte, error) {
	return json.Marshal(blockDataWire{
		Type:         b.Type,
		BatchNumber:  b.BatchNumber,
		Transactions: b.Transactions,
	})
}

func (b *BlockData) UnmarshalJSON(data []byte) error {
	var w blockDataWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case BlockDataDeposit, BlockDataExit:
	default:
		return fmt.Errorf("plasma: unknown block data type %q", w.Type)
	}
	b.Type = w.Type
	b.BatchNumber = w.BatchNumber
	b.Transactions = w.Transactions
	return nil
}

// Block is a single rollup block.
type Block struct {
	BlockNumber BlockNumber `json:"block_number"`
	NewRootHash string      `json:"new_root_hash"`
	BlockData   BlockData   `json:"block_data"`
}

// TxMeta is the signer/nonce pair the Operation Log assigns on insert.
type TxMeta struct {
	Addr  string `json:"addr"`
	Nonce Nonce  `json:"nonce"`
}

// Operation is a Commit or a Verify against a block. AccountsUpdated is
// populated by the caller on Commit (required) and is optional on Verify;
// when absent and the operation is loaded back, the storage core hydrates
// it from the update log.
type Operation struct {
	Action          Action     `json:"action"`
	Block           Block      `json:"block"`
	AccountsUpdated AccountMap `json:"accounts_updated,omitempty"`
	TxMeta          *TxMeta    `json:"tx_meta,omitempty"`
}
