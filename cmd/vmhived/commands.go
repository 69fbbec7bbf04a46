package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vmhive/vmhive/internal/ctlserver"
	"github.com/vmhive/vmhive/internal/monitor"
	"github.com/vmhive/vmhive/server/block"
	"github.com/vmhive/vmhive/server/migration"
	"github.com/vmhive/vmhive/server/rollback"
	"github.com/vmhive/vmhive/vmhive"
)

// commandServer exposes the managers on the local control socket.
type commandServer struct {
	migrations *migration.Manager
	blocks     *block.Manager
	rollbacks  *rollback.Manager
	mon        *monitor.Pool
}

func (s *commandServer) register(srv *ctlserver.Server) {
	srv.Handle("start-migration", s.startMigration)
	srv.Handle("cancel-migration", s.cancelMigration)
	srv.Handle("query-migration", s.queryMigration)
	srv.Handle("list-migrations", s.listMigrations)
	srv.Handle("delete-migration", s.deleteMigration)
	srv.Handle("migration-stats", s.migrationStats)

	srv.Handle("query-block-migration", s.queryBlockMigration)

	srv.Handle("start-rollback", s.startRollback)
	srv.Handle("query-rollback", s.queryRollback)
	srv.Handle("rollback-summary", s.rollbackSummary)

	srv.Handle("query-machine-status", s.queryMachineStatus)

	srv.Handle("set-max-concurrent", s.setMaxConcurrent)
	srv.Handle("set-default-bandwidth", s.setDefaultBandwidth)
}

// commandError translates internal errors into machine-readable
// error classes for the wire.
func commandError(err error) error {
	if err == nil {
		return nil
	}

	var class string

	switch {
	case vmhive.IsJobNotFoundError(err) || errors.Is(err, vmhive.ErrNotFound):
		class = "NotFound"
	case vmhive.IsInvalidStateError(err):
		class = "InvalidState"
	case vmhive.IsValidationError(err):
		class = "InvalidRequest"
	case migration.IsConcurrencyLimitError(err):
		class = "LimitReached"
	case migration.IsPreflightError(err):
		class = "PreflightFailed"
	case errors.Is(err, vmhive.ErrAlreadyExists):
		class = "AlreadyExists"
	default:
		class = "GenericError"
	}

	return &ctlserver.CommandError{Class: class, Desc: err.Error()}
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return &ctlserver.CommandError{Class: "InvalidRequest", Desc: "arguments are required"}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return &ctlserver.CommandError{Class: "InvalidRequest", Desc: err.Error()}
	}

	return nil
}

type jobIDArgs struct {
	ID string `json:"id"`
}

func (s *commandServer) startMigration(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Machine        string               `json:"machine"`
		TargetNode     string               `json:"target_node"`
		Mode           string               `json:"mode"`
		BandwidthLimit uint64               `json:"bandwidth_limit"`
		Disks          []vmhive.BlockDevice `json:"disks"`
		Force          bool                 `json:"force"`
	}

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	mode := migration.ModeLive

	if len(args.Mode) > 0 {
		var err error

		if mode, err = migration.ParseMode(args.Mode); err != nil {
			return nil, &ctlserver.CommandError{Class: "InvalidRequest", Desc: err.Error()}
		}
	}

	jobID, err := s.migrations.StartMigration(&migration.Config{
		Machine:        args.Machine,
		TargetNode:     args.TargetNode,
		Mode:           mode,
		BandwidthLimit: args.BandwidthLimit,
		Disks:          args.Disks,
		Force:          args.Force,
	})
	if err != nil {
		return nil, commandError(err)
	}

	return map[string]string{"id": jobID}, nil
}

func (s *commandServer) cancelMigration(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args jobIDArgs

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	return nil, commandError(s.migrations.CancelMigration(args.ID))
}

func (s *commandServer) queryMigration(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args jobIDArgs

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	job, err := s.migrations.GetJob(args.ID)
	if err != nil {
		return nil, commandError(err)
	}

	return job, nil
}

func (s *commandServer) listMigrations(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	return s.migrations.ListJobs(), nil
}

func (s *commandServer) deleteMigration(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args jobIDArgs

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	return nil, commandError(s.migrations.DeleteJob(args.ID))
}

func (s *commandServer) migrationStats(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args jobIDArgs

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	st, err := s.migrations.GetStatistics(args.ID)
	if err != nil {
		return nil, commandError(err)
	}

	return st, nil
}

func (s *commandServer) queryBlockMigration(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args jobIDArgs

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	job, err := s.blocks.Get(args.ID)
	if err != nil {
		return nil, commandError(err)
	}

	return job, nil
}

func (s *commandServer) startRollback(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		ID          string   `json:"id"`
		Machine     string   `json:"machine"`
		SourceNode  string   `json:"source_node"`
		TargetNode  string   `json:"target_node"`
		TargetDisks []string `json:"target_disks"`
	}

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	// A known job fills in the fields the caller left out.
	if job, err := s.migrations.GetJob(args.ID); err == nil {
		if len(args.Machine) == 0 {
			args.Machine = job.Machine
		}

		if len(args.SourceNode) == 0 {
			args.SourceNode = job.SourceNode
		}

		if len(args.TargetNode) == 0 {
			args.TargetNode = job.TargetNode
		}

		if !job.State.Terminal() {
			return nil, commandError(&vmhive.InvalidStateError{ID: args.ID, State: job.State.String(), Op: "rollback"})
		}
	}

	if len(args.TargetDisks) == 0 {
		if bj, err := s.blocks.Get(args.ID); err == nil {
			for _, d := range bj.Devices {
				args.TargetDisks = append(args.TargetDisks, d.TargetPath)
			}
		}
	}

	plan, err := s.rollbacks.ExecuteRollback(ctx, &rollback.Request{
		JobID:       args.ID,
		Machine:     args.Machine,
		SourceNode:  args.SourceNode,
		TargetNode:  args.TargetNode,
		TargetDisks: args.TargetDisks,
	})
	if err != nil {
		return nil, commandError(err)
	}

	return plan, nil
}

func (s *commandServer) queryRollback(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args jobIDArgs

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	plan, err := s.rollbacks.GetPlan(args.ID)
	if err != nil {
		return nil, commandError(err)
	}

	return plan, nil
}

func (s *commandServer) rollbackSummary(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args jobIDArgs

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	summary, err := s.rollbacks.GetSummary(args.ID)
	if err != nil {
		return nil, commandError(err)
	}

	return summary, nil
}

func (s *commandServer) queryMachineStatus(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Machine string `json:"machine"`
	}

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	if len(args.Machine) == 0 {
		return nil, &ctlserver.CommandError{Class: "InvalidRequest", Desc: "machine name is required"}
	}

	st, err := s.mon.QueryStatus(args.Machine)
	if err != nil {
		return nil, &ctlserver.CommandError{Class: "GenericError", Desc: fmt.Sprintf("monitor: %s", err)}
	}

	return st, nil
}

func (s *commandServer) setMaxConcurrent(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Value int `json:"value"`
	}

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	return nil, commandError(s.migrations.SetMaxConcurrent(args.Value))
}

func (s *commandServer) setDefaultBandwidth(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var args struct {
		Value uint64 `json:"value"`
	}

	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	s.migrations.SetDefaultBandwidth(args.Value)

	return nil, nil
}
