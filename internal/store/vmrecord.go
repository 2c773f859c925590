package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/fleetctl/fleetctl/internal/apperr"
)

const vmColumns = `id, name, region, size, image, status, ip_address, bot_id, created_at, destroyed_at`

// VMRecordRepo implements the VM record repo of spec.md §4.1.
type VMRecordRepo struct {
	db *sql.DB
}

func NewVMRecordRepo(db *sql.DB) *VMRecordRepo { return &VMRecordRepo{db: db} }

func scanVMRecord(row rowScanner) (VMRecord, error) {
	var v VMRecord
	err := row.Scan(&v.ID, &v.Name, &v.Region, &v.Size, &v.Image, &v.Status,
		&v.IPAddress, &v.BotID, &v.CreatedAt, &v.DestroyedAt)
	return v, err
}

// CreateVMParams mirrors what the IaaS adapter returns from create_vm;
// ID is the IaaS-assigned identifier, not a locally generated UUID.
type CreateVMParams struct {
	ID     string
	Name   string
	Region string
	Size   string
	Image  string
	Status VMStatus
}

func (r *VMRecordRepo) Create(ctx context.Context, p CreateVMParams) (VMRecord, error) {
	return createVMRecord(ctx, r.db, p)
}

// CreateVMRecordTx is Create scoped to an existing transaction, used when the
// coordinator links the VM to the bot in the same unit of work.
func CreateVMRecordTx(ctx context.Context, tx *sql.Tx, p CreateVMParams) (VMRecord, error) {
	return createVMRecord(ctx, tx, p)
}

func createVMRecord(ctx context.Context, ex executor, p CreateVMParams) (VMRecord, error) {
	row := ex.QueryRowContext(ctx, `
		INSERT INTO vm_records (id, name, region, size, image, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+vmColumns,
		p.ID, p.Name, p.Region, p.Size, p.Image, p.Status)
	vm, err := scanVMRecord(row)
	if err != nil {
		return VMRecord{}, apperr.Wrap(apperr.Transient, err, "insert vm record")
	}
	return vm, nil
}

func (r *VMRecordRepo) GetByID(ctx context.Context, id string) (VMRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+vmColumns+` FROM vm_records WHERE id = $1`, id)
	vm, err := scanVMRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return VMRecord{}, apperr.New(apperr.NotFound, "vm record %s not found", id)
	}
	if err != nil {
		return VMRecord{}, apperr.Wrap(apperr.Transient, err, "get vm record")
	}
	return vm, nil
}

// AssignToBot links a VM record to the bot that owns it. Assignment
// happens once, when the coordinator has a confirmed create_vm success.
func (r *VMRecordRepo) AssignToBot(ctx context.Context, vmID, botID string) error {
	return assignToBot(ctx, r.db, vmID, botID)
}

func AssignVMToBotTx(ctx context.Context, tx *sql.Tx, vmID, botID string) error {
	return assignToBot(ctx, tx, vmID, botID)
}

func assignToBot(ctx context.Context, ex executor, vmID, botID string) error {
	return execAffectingOne(ctx, ex, "vm record", vmID, `
		UPDATE vm_records SET bot_id = $1 WHERE id = $2`,
		botID, vmID)
}

func (r *VMRecordRepo) UpdateStatus(ctx context.Context, id string, status VMStatus) error {
	return execAffectingOne(ctx, r.db, "vm record", id, `
		UPDATE vm_records SET status = $1 WHERE id = $2`,
		status, id)
}

func (r *VMRecordRepo) UpdateIP(ctx context.Context, id, ip string) error {
	return execAffectingOne(ctx, r.db, "vm record", id, `
		UPDATE vm_records SET ip_address = $1 WHERE id = $2`,
		ip, id)
}

// MarkDestroyed sets status=destroyed and destroyed_at, but never
// deletes the row — spec.md §3 requires destroyed VM records to remain
// for audit.
func (r *VMRecordRepo) MarkDestroyed(ctx context.Context, id string, at time.Time) error {
	return execAffectingOne(ctx, r.db, "vm record", id, `
		UPDATE vm_records SET status = $1, destroyed_at = $2 WHERE id = $3`,
		VMDestroyed, at, id)
}
