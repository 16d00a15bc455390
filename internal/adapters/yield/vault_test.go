package yield_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/restless/internal/adapters/token"
	"github.com/alejandrodnm/restless/internal/adapters/yield"
	"github.com/alejandrodnm/restless/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	escrowAddr = common.HexToAddress("0xe5c0")
	vaultAddr  = common.HexToAddress("0x7a17")
)

type fixture struct {
	usdc    *token.Ledger
	vault   *yield.Vault
	now     time.Time
	custody common.Address
}

func newFixture(t *testing.T, apy uint64) *fixture {
	t.Helper()
	f := &fixture{
		usdc:    token.NewLedger("USDC", 6),
		now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		custody: domain.CustodyAccount(escrowAddr, 1),
	}
	f.vault = yield.NewVault(yield.Config{
		Address: vaultAddr,
		Escrow:  escrowAddr,
		APYBps:  apy,
		Now:     func() time.Time { return f.now },
	}, f.usdc)

	require.NoError(t, f.usdc.Mint(vaultAddr, uint256.NewInt(1_000_000)))
	require.NoError(t, f.usdc.Mint(f.custody, uint256.NewInt(10_000)))
	require.NoError(t, f.usdc.Approve(f.custody, vaultAddr, uint256.NewInt(10_000)))
	return f
}

func TestVault_DepositWithdraw(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	require.NoError(t, f.vault.Deposit(ctx, escrowAddr, 1, uint256.NewInt(10_000)))
	assert.True(t, f.usdc.BalanceOf(f.custody).IsZero())

	require.NoError(t, f.vault.Accrue(1, uint256.NewInt(100)))
	acc, err := f.vault.AccruedYield(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acc.Uint64())

	total, err := f.vault.Withdraw(ctx, escrowAddr, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_100), total.Uint64())
	assert.Equal(t, uint64(10_100), f.usdc.BalanceOf(f.custody).Uint64())

	_, err = f.vault.Withdraw(ctx, escrowAddr, 1)
	assert.Equal(t, domain.CodeNoActiveDeposit, domain.GetCode(err))
}

func TestVault_LinearAPY(t *testing.T) {
	f := newFixture(t, 1_000) // 10%
	ctx := context.Background()

	require.NoError(t, f.vault.Deposit(ctx, escrowAddr, 1, uint256.NewInt(10_000)))
	f.now = f.now.Add(365 * 24 * time.Hour)

	acc, err := f.vault.AccruedYield(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), acc.Uint64())
}

func TestVault_Rejections(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	err := f.vault.Deposit(ctx, common.HexToAddress("0xbad"), 1, uint256.NewInt(1))
	assert.Equal(t, domain.CodeUnauthorized, domain.GetCode(err))

	err = f.vault.Deposit(ctx, escrowAddr, 1, new(uint256.Int))
	assert.Equal(t, domain.CodeZeroAmount, domain.GetCode(err))

	require.NoError(t, f.vault.Deposit(ctx, escrowAddr, 1, uint256.NewInt(5_000)))
	err = f.vault.Deposit(ctx, escrowAddr, 1, uint256.NewInt(5_000))
	assert.Equal(t, domain.CodeAlreadyDeposited, domain.GetCode(err))

	_, err = f.vault.Withdraw(ctx, common.HexToAddress("0xbad"), 1)
	assert.Equal(t, domain.CodeUnauthorized, domain.GetCode(err))

	_, err = f.vault.AccruedYield(ctx, 2)
	assert.Equal(t, domain.CodeNoActiveDeposit, domain.GetCode(err))
	assert.Equal(t, domain.CodeNoActiveDeposit, domain.GetCode(f.vault.Accrue(2, uint256.NewInt(1))))
}

func TestVault_DepositWithoutAllowance(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.usdc.Approve(f.custody, vaultAddr, new(uint256.Int)))

	err := f.vault.Deposit(context.Background(), escrowAddr, 1, uint256.NewInt(10))
	require.Error(t, err)
	assert.Equal(t, domain.CodeInsufficientAllow, domain.GetCode(err))

	// No position was opened.
	_, err = f.vault.AccruedYield(context.Background(), 1)
	assert.Equal(t, domain.CodeNoActiveDeposit, domain.GetCode(err))
}
