package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/psotune/pkg/types"
)

// Client psotune.v1.Scheduler 的用戶端
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient 以既有連線建立用戶端
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial 以不加密連線建立用戶端
func Dial(addr string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

// Status 服務端狀態
type Status struct {
	Scheduler string
	NextSync  float64
	HasSync   bool
	Trials    []*types.Trial
}

func (c *Client) invoke(ctx context.Context, method string, in map[string]interface{}) (map[string]interface{}, error) {
	req, err := toStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// AddTrial 加入試驗；id 留空時由服務端產生
func (c *Client) AddTrial(ctx context.Context, id types.TrialID, config map[string]interface{}) (types.TrialID, error) {
	req := map[string]interface{}{fieldConfig: config}
	if id != "" {
		req[fieldTrialID] = string(id)
	}
	out, err := c.invoke(ctx, MethodAddTrial, req)
	if err != nil {
		return "", err
	}
	return types.TrialID(asString(out[fieldTrialID])), nil
}

// ReportResult 回報結果，回傳決策與需要執行的指令
func (c *Client) ReportResult(ctx context.Context, id types.TrialID, res types.Result, checkpoint types.CheckpointRef) (types.Decision, []types.Instruction, error) {
	req := map[string]interface{}{
		fieldTrialID: string(id),
		fieldResult:  map[string]interface{}(res),
	}
	if checkpoint != "" {
		req[fieldCheckpoint] = string(checkpoint)
	}
	out, err := c.invoke(ctx, MethodReportResult, req)
	if err != nil {
		return "", nil, err
	}
	return types.Decision(asString(out[fieldDecision])), instructionsFromMap(out), nil
}

// CompleteTrial 回報試驗完成
func (c *Client) CompleteTrial(ctx context.Context, id types.TrialID, res types.Result) ([]types.Instruction, error) {
	out, err := c.invoke(ctx, MethodCompleteTrial, map[string]interface{}{
		fieldTrialID: string(id),
		fieldResult:  map[string]interface{}(res),
	})
	if err != nil {
		return nil, err
	}
	return instructionsFromMap(out), nil
}

// RemoveTrial 回報試驗被移除（status 為 ERROR 或 TERMINATED）
func (c *Client) RemoveTrial(ctx context.Context, id types.TrialID, status types.TrialStatus) ([]types.Instruction, error) {
	out, err := c.invoke(ctx, MethodRemoveTrial, map[string]interface{}{
		fieldTrialID: string(id),
		fieldStatus:  string(status),
	})
	if err != nil {
		return nil, err
	}
	return instructionsFromMap(out), nil
}

// UpdateTrial 同步試驗狀態；空值欄位不更新
func (c *Client) UpdateTrial(ctx context.Context, t *types.Trial) (*types.Trial, error) {
	req := map[string]interface{}{fieldTrialID: string(t.ID)}
	if t.Status != "" {
		req[fieldStatus] = string(t.Status)
	}
	if t.Config != nil {
		req[fieldConfig] = t.Config
	}
	if t.Checkpoint != "" {
		req[fieldCheckpoint] = string(t.Checkpoint)
	}
	out, err := c.invoke(ctx, MethodUpdateTrial, req)
	if err != nil {
		return nil, err
	}
	return trialFromMap(out), nil
}

// ChooseTrialToRun 取得下一個要執行的試驗；沒有時回傳 nil
func (c *Client) ChooseTrialToRun(ctx context.Context) (*types.Trial, []types.Instruction, error) {
	out, err := c.invoke(ctx, MethodChooseTrialToRun, map[string]interface{}{})
	if err != nil {
		return nil, nil, err
	}
	instr := instructionsFromMap(out)
	if found, _ := out[fieldFound].(bool); !found {
		return nil, instr, nil
	}
	return trialFromMap(out), instr, nil
}

// Status 查詢服務端狀態
func (c *Client) Status(ctx context.Context) (Status, error) {
	out, err := c.invoke(ctx, MethodStatus, map[string]interface{}{})
	if err != nil {
		return Status{}, err
	}
	st := Status{Scheduler: asString(out[fieldScheduler])}
	if ns, ok := out[fieldNextSync].(float64); ok {
		st.NextSync = ns
		st.HasSync = true
	}
	list, _ := out[fieldTrials].([]interface{})
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			st.Trials = append(st.Trials, trialFromMap(m))
		}
	}
	return st, nil
}
