package server

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/psotune/pkg/types"
)

// 請求與回應的欄位名稱
const (
	fieldTrialID      = "trial_id"
	fieldConfig       = "config"
	fieldStatus       = "status"
	fieldCheckpoint   = "checkpoint"
	fieldResult       = "result"
	fieldDecision     = "decision"
	fieldInstructions = "instructions"
	fieldFound        = "found"
	fieldScheduler    = "scheduler"
	fieldTrials       = "trials"
	fieldNextSync     = "next_sync"

	fieldSaveCheckpoint = "save_checkpoint"
	fieldRestoreFrom    = "restore_from"
	fieldSource         = "source"
)

func stringField(in *structpb.Struct, key string) string {
	if v, ok := in.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func mapField(in *structpb.Struct, key string) map[string]interface{} {
	v, ok := in.GetFields()[key]
	if !ok || v.GetStructValue() == nil {
		return nil
	}
	return v.GetStructValue().AsMap()
}

func trialToMap(t *types.Trial) map[string]interface{} {
	m := map[string]interface{}{
		fieldTrialID: string(t.ID),
		fieldStatus:  string(t.Status),
		fieldConfig:  map[string]interface{}(t.Config),
	}
	if t.Config == nil {
		m[fieldConfig] = map[string]interface{}{}
	}
	if t.Checkpoint != "" {
		m[fieldCheckpoint] = string(t.Checkpoint)
	}
	return m
}

func trialFromMap(m map[string]interface{}) *types.Trial {
	t := &types.Trial{}
	t.ID = types.TrialID(asString(m[fieldTrialID]))
	t.Status = types.TrialStatus(asString(m[fieldStatus]))
	t.Checkpoint = types.CheckpointRef(asString(m[fieldCheckpoint]))
	if config, ok := m[fieldConfig].(map[string]interface{}); ok {
		t.Config = config
	}
	return t
}

func instructionsToList(instr []types.Instruction) []interface{} {
	out := make([]interface{}, 0, len(instr))
	for _, in := range instr {
		m := map[string]interface{}{
			fieldTrialID: string(in.TrialID),
			fieldConfig:  map[string]interface{}(in.Config),
		}
		if in.SaveCheckpoint != "" {
			m[fieldSaveCheckpoint] = string(in.SaveCheckpoint)
		}
		if in.RestoreFrom != "" {
			m[fieldRestoreFrom] = string(in.RestoreFrom)
		}
		if in.Source != "" {
			m[fieldSource] = string(in.Source)
		}
		out = append(out, m)
	}
	return out
}

func instructionsFromMap(m map[string]interface{}) []types.Instruction {
	list, _ := m[fieldInstructions].([]interface{})
	out := make([]types.Instruction, 0, len(list))
	for _, item := range list {
		im, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		in := types.Instruction{
			TrialID:        types.TrialID(asString(im[fieldTrialID])),
			SaveCheckpoint: types.CheckpointRef(asString(im[fieldSaveCheckpoint])),
			RestoreFrom:    types.CheckpointRef(asString(im[fieldRestoreFrom])),
			Source:         types.TrialID(asString(im[fieldSource])),
		}
		if config, ok := im[fieldConfig].(map[string]interface{}); ok {
			in.Config = config
		}
		out = append(out, in)
	}
	return out
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// toStruct 將 map 轉為 Struct；值必須是 JSON 相容的型別
func toStruct(m map[string]interface{}) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return s, nil
}
