// ============================================================================
// psotune gRPC Server - 遠端執行器介面
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 透過 gRPC 把調度器的生命週期回呼提供給遠端執行器
//
// 架構設計:
//   遠端執行器持有真正的試驗；Server 維護一份試驗鏡像（狀態、設定、
//   檢查點），並以此鏡像實作 controller.TrialRunner 交給調度器。
//
//   ┌──────────────┐   gRPC    ┌────────────────────────────┐
//   │ 遠端執行器    │ ───────→ │ Server (mutex)              │
//   │ (Client)     │ ←─────── │  ├─ 試驗鏡像 (TrialRunner)  │
//   └──────────────┘ decision │  └─ TrialScheduler          │
//                   + 指令     └────────────────────────────┘
//
// 並發模型:
//   gRPC 會並行呼叫 handler；所有 RPC 先取得同一把 mutex，
//   因此調度器看到的仍是一次一個事件。journal 在回呼之後、
//   釋放 mutex 之前 Flush。
//
// 錯誤對應:
//   ErrTrialNotFound → NotFound，ErrDuplicateTrial → AlreadyExists，
//   屬性與設定錯誤 → InvalidArgument，ErrReentrantCall → Aborted，
//   其他 → Internal
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/psotune/internal/controller"
	"github.com/ChuLiYu/psotune/internal/snapshot"
	"github.com/ChuLiYu/psotune/internal/storage/journal"
	"github.com/ChuLiYu/psotune/pkg/types"
)

var log = slog.Default()

// instructionSource 會產生擾動指令的調度器
type instructionSource interface {
	TakeInstructions() []types.Instruction
}

// Server 實作 SchedulerServer
type Server struct {
	mu        sync.Mutex
	scheduler controller.TrialScheduler
	trials    []*types.Trial // 執行器順序
	byID      map[types.TrialID]*types.Trial

	journal *journal.Journal
	logger  *slog.Logger
}

var (
	_ SchedulerServer        = (*Server)(nil)
	_ controller.TrialRunner = (*Server)(nil)
)

// Option 伺服器選項
type Option func(*Server)

// WithJournal 每個 RPC 結束前 Flush 的 journal
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithLogger 指定 logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 建立服務
func NewServer(scheduler controller.TrialScheduler, opts ...Option) *Server {
	s := &Server{
		scheduler: scheduler,
		byID:      make(map[types.TrialID]*types.Trial),
		logger:    log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register 將服務與 health 服務註冊到 gRPC server
func (s *Server) Register(gs *grpc.Server) *health.Server {
	RegisterSchedulerServer(gs, s)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// ============================================================================
// controller.TrialRunner（呼叫端必須持有 mu）
// ============================================================================

// LiveTrials 狀態不是 ERROR / TERMINATED 的試驗
func (s *Server) LiveTrials() []*types.Trial {
	live := make([]*types.Trial, 0, len(s.trials))
	for _, t := range s.trials {
		if t.IsLive() {
			live = append(live, t)
		}
	}
	return live
}

// Trials 所有試驗，依加入順序
func (s *Server) Trials() []*types.Trial {
	return s.trials
}

// HasSearchAlgorithm 遠端執行器自行負責搜尋演算法；服務端不掛載
func (s *Server) HasSearchAlgorithm() bool {
	return false
}

// ============================================================================
// RPC handlers
// ============================================================================

// AddTrial 加入試驗
//
// 請求：{trial_id?, config}；trial_id 留空時產生 UUID
// 回應：{trial_id}
func (s *Server) AddTrial(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flush()

	id := types.TrialID(stringField(in, fieldTrialID))
	if id == "" {
		id = types.TrialID(uuid.NewString())
	}
	if _, exists := s.byID[id]; exists {
		return nil, status.Errorf(codes.AlreadyExists, "trial %s already added", id)
	}

	t := &types.Trial{
		ID:     id,
		Status: types.StatusPending,
		Config: mapField(in, fieldConfig),
	}
	if t.Config == nil {
		t.Config = make(map[string]interface{})
	}

	s.trials = append(s.trials, t)
	s.byID[id] = t
	if err := s.scheduler.OnTrialAdd(s, t); err != nil {
		s.trials = s.trials[:len(s.trials)-1]
		delete(s.byID, id)
		return nil, toStatus(err)
	}

	s.logger.Info("Trial added", "trial", id)
	return toStruct(map[string]interface{}{fieldTrialID: string(id)})
}

// ReportResult 回報結果
//
// 請求：{trial_id, result, checkpoint?}
// 回應：{decision, instructions: [{trial_id, config, save_checkpoint?, restore_from?, source?}]}
//
// PAUSE 會同步到鏡像；收到 STOP 的執行器應接著呼叫 CompleteTrial。
func (s *Server) ReportResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flush()

	t, err := s.lookup(in)
	if err != nil {
		return nil, err
	}
	if !t.IsLive() {
		return nil, status.Errorf(codes.FailedPrecondition, "trial %s is %s", t.ID, t.Status)
	}
	if cp := stringField(in, fieldCheckpoint); cp != "" {
		t.Checkpoint = types.CheckpointRef(cp)
	}

	decision, err := s.scheduler.OnTrialResult(s, t, types.Result(mapField(in, fieldResult)))
	if err != nil {
		return nil, toStatus(err)
	}
	if decision == types.Pause {
		t.Status = types.StatusPaused
	}

	return toStruct(map[string]interface{}{
		fieldDecision:     string(decision),
		fieldInstructions: s.instructions(),
	})
}

// CompleteTrial 試驗完成
//
// 請求：{trial_id, result?}
func (s *Server) CompleteTrial(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flush()

	t, err := s.lookup(in)
	if err != nil {
		return nil, err
	}
	t.Status = types.StatusTerminated
	s.scheduler.OnTrialComplete(s, t, types.Result(mapField(in, fieldResult)))
	s.logger.Info("Trial completed", "trial", t.ID)

	return toStruct(map[string]interface{}{fieldInstructions: s.instructions()})
}

// RemoveTrial 試驗被移除
//
// 請求：{trial_id, status?}；status 只接受 ERROR / TERMINATED，預設 ERROR
func (s *Server) RemoveTrial(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flush()

	t, err := s.lookup(in)
	if err != nil {
		return nil, err
	}
	st := types.TrialStatus(stringField(in, fieldStatus))
	switch st {
	case "":
		st = types.StatusError
	case types.StatusError, types.StatusTerminated:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "removed trial cannot be %s", st)
	}

	t.Status = st
	s.scheduler.OnTrialRemove(s, t)
	s.logger.Info("Trial removed", "trial", t.ID, "status", st)

	return toStruct(map[string]interface{}{fieldInstructions: s.instructions()})
}

// UpdateTrial 同步執行器端的狀態、設定或檢查點
//
// 請求：{trial_id, status?, config?, checkpoint?}
func (s *Server) UpdateTrial(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(in)
	if err != nil {
		return nil, err
	}
	if st := types.TrialStatus(stringField(in, fieldStatus)); st != "" {
		switch st {
		case types.StatusPending, types.StatusRunning, types.StatusPaused, types.StatusError, types.StatusTerminated:
			t.Status = st
		default:
			return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", st)
		}
	}
	if config := mapField(in, fieldConfig); config != nil {
		t.Config = config
	}
	if cp := stringField(in, fieldCheckpoint); cp != "" {
		t.Checkpoint = types.CheckpointRef(cp)
	}

	return toStruct(trialToMap(t))
}

// ChooseTrialToRun 選出下一個要執行的試驗
//
// 回應：{found, trial_id?, config?, checkpoint?, status?, instructions}
// 被選中的試驗在鏡像中標記為 RUNNING。
func (s *Server) ChooseTrialToRun(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.flush()

	t := s.scheduler.ChooseTrialToRun(s)
	// 停滯恢復可能產生指令，必須在回傳試驗設定前套用
	instr := s.instructions()

	out := map[string]interface{}{
		fieldFound:        t != nil,
		fieldInstructions: instr,
	}
	if t != nil {
		t.Status = types.StatusRunning
		for k, v := range trialToMap(t) {
			out[k] = v
		}
	}
	return toStruct(out)
}

// Status 調度器與所有試驗的狀態
//
// 回應：{scheduler, trials: [...], next_sync?}
func (s *Server) Status(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trials := make([]interface{}, 0, len(s.trials))
	for _, t := range s.trials {
		trials = append(trials, trialToMap(t))
	}
	out := map[string]interface{}{
		fieldScheduler: s.scheduler.DebugString(),
		fieldTrials:    trials,
	}
	if ns, ok := s.scheduler.(interface{ NextSync() float64 }); ok {
		out[fieldNextSync] = ns.NextSync()
	}
	return toStruct(out)
}

// ============================================================================
// 快照
// ============================================================================

// RunSnapshots 定期寫入調度器快照，直到 ctx 結束
//
// 調度器不支援快照時立即返回。
func (s *Server) RunSnapshots(ctx context.Context, m *snapshot.Manager, interval time.Duration) {
	snap, ok := s.scheduler.(interface {
		SaveSnapshot(*snapshot.Manager) error
	})
	if !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := snap.SaveSnapshot(m)
			s.mu.Unlock()
			if err != nil {
				s.logger.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// Recover 從快照恢復調度器狀態並重建試驗鏡像
//
// 恢復的試驗在鏡像中為 PAUSED，設定只含可調維度；
// 執行器重新連線後以 UpdateTrial 補上其餘設定。
//
// 返回值：
//   - 恢復的試驗數；調度器不支援快照時為 0
//
// 錯誤處理：
//   - snapshot.ErrSnapshotNotFound: 沒有快照（首次啟動）
func (s *Server) Recover(m *snapshot.Manager) (int, error) {
	rec, ok := s.scheduler.(interface {
		LoadSnapshot(*snapshot.Manager) error
		Snapshot() types.SnapshotData
	})
	if !ok {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := rec.LoadSnapshot(m); err != nil {
		return 0, err
	}
	data := rec.Snapshot()
	for _, id := range data.Order {
		state := data.Trials[id]
		if state == nil || s.byID[id] != nil {
			continue
		}
		config := make(map[string]interface{}, len(state.Position))
		for dim, v := range state.Position {
			config[dim] = v
		}
		t := &types.Trial{
			ID:         id,
			Status:     types.StatusPaused,
			Config:     config,
			Checkpoint: state.LastCheckpoint,
		}
		s.trials = append(s.trials, t)
		s.byID[id] = t
	}

	s.logger.Info("Recovered trials from snapshot", "trials", len(data.Order), "next_sync", data.NextSync)
	return len(data.Order), nil
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (s *Server) lookup(in *structpb.Struct) (*types.Trial, error) {
	id := types.TrialID(stringField(in, fieldTrialID))
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "trial_id is required")
	}
	t, ok := s.byID[id]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "trial %s not found", id)
	}
	return t, nil
}

// instructions 取走調度器的指令並同步到鏡像
func (s *Server) instructions() []interface{} {
	src, ok := s.scheduler.(instructionSource)
	if !ok {
		return []interface{}{}
	}
	instr := src.TakeInstructions()
	for _, in := range instr {
		t, ok := s.byID[in.TrialID]
		if !ok {
			continue
		}
		if in.Config != nil {
			t.Config = in.Config
		}
		switch {
		case in.RestoreFrom != "":
			t.Checkpoint = in.RestoreFrom
		case in.SaveCheckpoint != "":
			t.Checkpoint = in.SaveCheckpoint
		}
	}
	return instructionsToList(instr)
}

func (s *Server) flush() {
	if err := s.journal.Flush(); err != nil {
		s.logger.Error("Failed to flush journal", "error", err)
	}
}

// toStatus 將調度器錯誤對應到 gRPC status
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, controller.ErrTrialNotFound):
		code = codes.NotFound
	case errors.Is(err, controller.ErrDuplicateTrial):
		code = codes.AlreadyExists
	case errors.Is(err, controller.ErrMissingAttribute),
		errors.Is(err, controller.ErrInvalidAttribute),
		errors.Is(err, controller.ErrConfiguration),
		errors.Is(err, controller.ErrInvariant):
		code = codes.InvalidArgument
	case errors.Is(err, controller.ErrReentrantCall):
		code = codes.Aborted
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// LoggingInterceptor 記錄每個 RPC 的耗時與結果
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = log
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Warn("RPC failed", "method", info.FullMethod, "duration", time.Since(start), "code", status.Code(err), "error", err)
		} else {
			logger.Debug("RPC handled", "method", info.FullMethod, "duration", time.Since(start))
		}
		return resp, err
	}
}
