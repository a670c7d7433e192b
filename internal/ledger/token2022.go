package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Token-2022 program and the compute budget program. solana-go predates the
// extension program, so the ID lives here.
var (
	Token2022ProgramID     = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
	computeBudgetProgramID = solana.MustPublicKeyFromBase58("ComputeBudget111111111111111111111111111111")
)

// Token-2022 account layout. Base structs match legacy SPL Token; accounts
// carrying extensions append an account-type byte and TLV records after
// padding to the legacy account size.
const (
	mintBaseLen       = 82
	tokenAccountLen   = 165
	accountTypeOffset = 165
	tlvStart          = 166

	accountTypeMint         = 1
	accountTypeTokenAccount = 2

	extTransferFeeConfig = 1
	extTransferFeeAmount = 2
)

// TransferFeeConfig extension value layout:
//
//	 0..32   transfer_fee_config_authority
//	32..64   withdraw_withheld_authority
//	64..72   withheld_amount (u64)
//	72..90   older transfer fee (epoch u64, maximum_fee u64, bps u16)
//	90..108  newer transfer fee (epoch u64, maximum_fee u64, bps u16)
const (
	feeConfigLen            = 108
	feeConfigWithheldOffset = 64
	feeConfigNewerMaxOffset = 98
	feeConfigNewerBpsOffset = 106
)

// transferFeeConfig is the decoded slice of the mint's TransferFeeConfig
// extension the keeper cares about.
type transferFeeConfig struct {
	WithheldAmount uint64
	NewerFeeBps    uint16
	NewerMaxFee    uint64
}

// findExtension walks the TLV records of a Token-2022 account and returns
// the value bytes of the first record of the wanted type.
func findExtension(data []byte, wantType uint16) ([]byte, bool) {
	if len(data) <= tlvStart {
		return nil, false
	}
	cur := tlvStart
	for cur+4 <= len(data) {
		extType := binary.LittleEndian.Uint16(data[cur : cur+2])
		extLen := int(binary.LittleEndian.Uint16(data[cur+2 : cur+4]))
		cur += 4
		if cur+extLen > len(data) {
			return nil, false
		}
		if extType == wantType {
			return data[cur : cur+extLen], true
		}
		// Extension type 0 is padding; records after it are not valid.
		if extType == 0 {
			return nil, false
		}
		cur += extLen
	}
	return nil, false
}

// decodeMintTransferFeeConfig decodes the TransferFeeConfig extension from
// raw mint account data.
func decodeMintTransferFeeConfig(data []byte) (*transferFeeConfig, error) {
	if len(data) < mintBaseLen {
		return nil, fmt.Errorf("%w: mint data too short (%d bytes)", ErrUnparseableAccount, len(data))
	}
	if len(data) <= accountTypeOffset || data[accountTypeOffset] != accountTypeMint {
		return nil, fmt.Errorf("%w: not an extended mint account", ErrUnparseableAccount)
	}
	value, ok := findExtension(data, extTransferFeeConfig)
	if !ok {
		return nil, fmt.Errorf("%w: mint has no transfer fee config extension", ErrUnparseableAccount)
	}
	if len(value) < feeConfigLen {
		return nil, fmt.Errorf("%w: transfer fee config truncated (%d bytes)", ErrUnparseableAccount, len(value))
	}
	return &transferFeeConfig{
		WithheldAmount: binary.LittleEndian.Uint64(value[feeConfigWithheldOffset : feeConfigWithheldOffset+8]),
		NewerMaxFee:    binary.LittleEndian.Uint64(value[feeConfigNewerMaxOffset : feeConfigNewerMaxOffset+8]),
		NewerFeeBps:    binary.LittleEndian.Uint16(value[feeConfigNewerBpsOffset : feeConfigNewerBpsOffset+2]),
	}, nil
}

// decodeAccountWithheld decodes the TransferFeeAmount extension (the
// withheld fee balance) from raw token account data. Accounts without the
// extension read as zero withheld.
func decodeAccountWithheld(data []byte) (uint64, error) {
	if len(data) < tokenAccountLen {
		return 0, fmt.Errorf("%w: token account data too short (%d bytes)", ErrUnparseableAccount, len(data))
	}
	if len(data) == tokenAccountLen {
		return 0, nil
	}
	if data[accountTypeOffset] != accountTypeTokenAccount {
		return 0, fmt.Errorf("%w: unexpected account type byte %d", ErrUnparseableAccount, data[accountTypeOffset])
	}
	value, ok := findExtension(data, extTransferFeeAmount)
	if !ok {
		return 0, nil
	}
	if len(value) < 8 {
		return 0, fmt.Errorf("%w: transfer fee amount truncated (%d bytes)", ErrUnparseableAccount, len(value))
	}
	return binary.LittleEndian.Uint64(value[:8]), nil
}

// decodeTokenAccountBase reads mint, owner and amount from the fixed part
// of a token account.
func decodeTokenAccountBase(data []byte) (mint, owner solana.PublicKey, amount uint64, err error) {
	if len(data) < tokenAccountLen {
		err = fmt.Errorf("%w: token account data too short (%d bytes)", ErrUnparseableAccount, len(data))
		return
	}
	copy(mint[:], data[0:32])
	copy(owner[:], data[32:64])
	amount = binary.LittleEndian.Uint64(data[64:72])
	return
}

// Token-2022 transfer fee extension instructions share the prefix byte 26
// followed by a sub-instruction discriminator.
const (
	ixTransferFeeExtension = 26

	subWithdrawWithheldFromMint = 2
	subHarvestWithheldToMint    = 4
	subSetTransferFee           = 5

	ixTransferChecked = 12
)

func newHarvestWithheldToMintIx(mint solana.PublicKey, sources []solana.PublicKey) solana.Instruction {
	metas := solana.AccountMetaSlice{solana.Meta(mint).WRITE()}
	for _, src := range sources {
		metas = append(metas, solana.Meta(src).WRITE())
	}
	return solana.NewInstruction(Token2022ProgramID, metas,
		[]byte{ixTransferFeeExtension, subHarvestWithheldToMint})
}

func newWithdrawWithheldFromMintIx(mint, destination, authority solana.PublicKey) solana.Instruction {
	metas := solana.AccountMetaSlice{
		solana.Meta(mint).WRITE(),
		solana.Meta(destination).WRITE(),
		solana.Meta(authority).SIGNER(),
	}
	return solana.NewInstruction(Token2022ProgramID, metas,
		[]byte{ixTransferFeeExtension, subWithdrawWithheldFromMint})
}

func newSetTransferFeeIx(mint, authority solana.PublicKey, bps uint16, maxFee uint64) solana.Instruction {
	data := make([]byte, 12)
	data[0] = ixTransferFeeExtension
	data[1] = subSetTransferFee
	binary.LittleEndian.PutUint16(data[2:4], bps)
	binary.LittleEndian.PutUint64(data[4:12], maxFee)
	metas := solana.AccountMetaSlice{
		solana.Meta(mint).WRITE(),
		solana.Meta(authority).SIGNER(),
	}
	return solana.NewInstruction(Token2022ProgramID, metas, data)
}

func newTransferCheckedIx(source, mint, destination, owner solana.PublicKey, amount uint64, decimals uint8) solana.Instruction {
	data := make([]byte, 10)
	data[0] = ixTransferChecked
	binary.LittleEndian.PutUint64(data[1:9], amount)
	data[9] = decimals
	metas := solana.AccountMetaSlice{
		solana.Meta(source).WRITE(),
		solana.Meta(mint),
		solana.Meta(destination).WRITE(),
		solana.Meta(owner).SIGNER(),
	}
	return solana.NewInstruction(Token2022ProgramID, metas, data)
}

// associatedTokenAddress derives the ATA for an owner under an arbitrary
// token program. solana.FindAssociatedTokenAddress hardcodes the legacy
// token program, which is wrong for Token-2022 accounts.
func associatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

// newCreateIdempotentATAIx builds a CreateIdempotent associated token
// account instruction (discriminator 1), a no-op when the account exists.
func newCreateIdempotentATAIx(payer, owner, mint, tokenProgram solana.PublicKey) (solana.Instruction, solana.PublicKey, error) {
	ata, err := associatedTokenAddress(owner, mint, tokenProgram)
	if err != nil {
		return nil, solana.PublicKey{}, err
	}
	metas := solana.AccountMetaSlice{
		solana.Meta(payer).WRITE().SIGNER(),
		solana.Meta(ata).WRITE(),
		solana.Meta(owner),
		solana.Meta(mint),
		solana.Meta(solana.SystemProgramID),
		solana.Meta(tokenProgram),
	}
	return solana.NewInstruction(solana.SPLAssociatedTokenAccountProgramID, metas, []byte{1}), ata, nil
}

func newComputeUnitPriceIx(microLamports uint64) solana.Instruction {
	data := make([]byte, 9)
	data[0] = 3
	binary.LittleEndian.PutUint64(data[1:9], microLamports)
	return solana.NewInstruction(computeBudgetProgramID, solana.AccountMetaSlice{}, data)
}

func newComputeUnitLimitIx(units uint32) solana.Instruction {
	data := make([]byte, 5)
	data[0] = 2
	binary.LittleEndian.PutUint32(data[1:5], units)
	return solana.NewInstruction(computeBudgetProgramID, solana.AccountMetaSlice{}, data)
}
