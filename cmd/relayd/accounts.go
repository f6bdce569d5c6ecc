package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"relay/internal/models"
	"relay/internal/registry"
)

const accountType = "account"

var (
	ErrAccountExists     = errors.New("account already exists")
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

type OpenAccount struct {
	models.CommandBase
	Owner string `json:"owner"`
}

type Deposit struct {
	models.CommandBase
	Amount int64 `json:"amount"`
}

type Withdraw struct {
	models.CommandBase
	Amount int64 `json:"amount"`
}

type AccountOpened struct {
	models.EventBase
	Owner string `json:"owner"`
}

type MoneyDeposited struct {
	models.EventBase
	Amount int64 `json:"amount"`
}

type MoneyWithdrawn struct {
	models.EventBase
	Amount int64 `json:"amount"`
}

type GetBalance struct {
	models.QueryBase
	AccountID string `json:"account_id"`
}

type Balance struct {
	AccountID string `json:"account_id"`
	Owner     string `json:"owner"`
	Balance   int64  `json:"balance"`
	Version   int    `json:"version"`
}

type account struct {
	owner   string
	balance int64
	version int
}

// Accounts decides commands against the projected state and keeps the
// projection current from the published events.
type Accounts struct {
	mu       sync.RWMutex
	accounts map[string]*account
}

func NewAccounts() *Accounts {
	return &Accounts{accounts: make(map[string]*account)}
}

func (a *Accounts) Register(reg *registry.Registry) error {
	return errors.Join(
		registry.RegisterCommandHandler(reg, "accounts.open", a.open),
		registry.RegisterCommandHandler(reg, "accounts.deposit", a.deposit),
		registry.RegisterCommandHandler(reg, "accounts.withdraw", a.withdraw),
		registry.RegisterEventHandler(reg, "accounts.projection", a.applyOpened),
		registry.RegisterEventHandler(reg, "accounts.projection", a.applyDeposited),
		registry.RegisterEventHandler(reg, "accounts.projection", a.applyWithdrawn),
		registry.RegisterQueryHandler(reg, "accounts.balance", a.balance),
	)
}

func (a *Accounts) snapshot(id string) (account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acc, ok := a.accounts[id]
	if !ok {
		return account{}, false
	}
	return *acc, true
}

func (a *Accounts) open(_ context.Context, cmd *OpenAccount) ([]models.Event, error) {
	if _, ok := a.snapshot(cmd.AggregateID); ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, cmd.AggregateID)
	}
	return []models.Event{&AccountOpened{
		EventBase: models.NewEventBase(accountType, cmd.AggregateID, 1),
		Owner:     cmd.Owner,
	}}, nil
}

func (a *Accounts) deposit(_ context.Context, cmd *Deposit) ([]models.Event, error) {
	if cmd.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	acc, ok := a.snapshot(cmd.AggregateID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, cmd.AggregateID)
	}
	return []models.Event{&MoneyDeposited{
		EventBase: models.NewEventBase(accountType, cmd.AggregateID, acc.version+1),
		Amount:    cmd.Amount,
	}}, nil
}

func (a *Accounts) withdraw(_ context.Context, cmd *Withdraw) ([]models.Event, error) {
	if cmd.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	acc, ok := a.snapshot(cmd.AggregateID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, cmd.AggregateID)
	}
	if acc.balance < cmd.Amount {
		return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientFunds, acc.balance, cmd.Amount)
	}
	return []models.Event{&MoneyWithdrawn{
		EventBase: models.NewEventBase(accountType, cmd.AggregateID, acc.version+1),
		Amount:    cmd.Amount,
	}}, nil
}

func (a *Accounts) apply(id string, version int, fn func(acc *account)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acc, ok := a.accounts[id]
	if !ok {
		acc = &account{}
		a.accounts[id] = acc
	}
	if version <= acc.version {
		return
	}
	fn(acc)
	acc.version = version
}

func (a *Accounts) applyOpened(_ context.Context, e *AccountOpened) error {
	a.apply(e.AggregateID, e.Version, func(acc *account) { acc.owner = e.Owner })
	return nil
}

func (a *Accounts) applyDeposited(_ context.Context, e *MoneyDeposited) error {
	a.apply(e.AggregateID, e.Version, func(acc *account) { acc.balance += e.Amount })
	return nil
}

func (a *Accounts) applyWithdrawn(_ context.Context, e *MoneyWithdrawn) error {
	a.apply(e.AggregateID, e.Version, func(acc *account) { acc.balance -= e.Amount })
	return nil
}

func (a *Accounts) balance(_ context.Context, q *GetBalance) (Balance, error) {
	acc, ok := a.snapshot(q.AccountID)
	if !ok {
		return Balance{}, fmt.Errorf("%w: %s", ErrAccountNotFound, q.AccountID)
	}
	return Balance{AccountID: q.AccountID, Owner: acc.owner, Balance: acc.balance, Version: acc.version}, nil
}
