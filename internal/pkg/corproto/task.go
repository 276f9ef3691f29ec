package corproto

import (
	"encoding/json"
)

// Phases carried in a TaskRequest.
const (
	PhaseMap    = "map"
	PhaseReduce = "reduce"
)

// Statuses carried in a TaskResponse.
const (
	StatusDone   = "done"
	StatusFailed = "failed"
	// StatusUnavailable reports that the worker could not read the task
	// input. The master may assign the task elsewhere.
	StatusUnavailable = "unavailable"
)

// KeyValue is one intermediate pair emitted by a mapper.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Split references a byte range of an input file.
type Split struct {
	Filename    string `json:"filename"`
	StartOffset int64  `json:"startOffset"`
	EndOffset   int64  `json:"endOffset"`
}

// TaskRequest is sent by the master to a registered worker.
type TaskRequest struct {
	TaskID string   `json:"taskID"`
	Phase  string   `json:"phase"`
	Split  *Split   `json:"split,omitempty"`
	Key    string   `json:"key,omitempty"`
	Values []string `json:"values,omitempty"`
}

// TaskResponse is the worker's answer to a TaskRequest.
type TaskResponse struct {
	TaskID string     `json:"taskID"`
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Pairs  []KeyValue `json:"pairs,omitempty"`
	Value  string     `json:"value,omitempty"`
}

func EncodeTaskRequest(req TaskRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, &CommunicationError{Op: "encode task request", Err: err}
	}
	return data, nil
}

func DecodeTaskRequest(data []byte) (TaskRequest, error) {
	const op = "decode task request"
	var req TaskRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return TaskRequest{}, &CommunicationError{Op: op, Err: err}
	}
	if req.TaskID == "" {
		return TaskRequest{}, commErr(op, "missing taskID")
	}
	switch req.Phase {
	case PhaseMap:
		if req.Split == nil {
			return TaskRequest{}, commErr(op, "map task %s without split", req.TaskID)
		}
	case PhaseReduce:
	default:
		return TaskRequest{}, commErr(op, "unknown phase %q", req.Phase)
	}
	return req, nil
}

func EncodeTaskResponse(resp TaskResponse) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, &CommunicationError{Op: "encode task response", Err: err}
	}
	return data, nil
}

func DecodeTaskResponse(data []byte) (TaskResponse, error) {
	const op = "decode task response"
	var resp TaskResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return TaskResponse{}, &CommunicationError{Op: op, Err: err}
	}
	if resp.TaskID == "" {
		return TaskResponse{}, commErr(op, "missing taskID")
	}
	switch resp.Status {
	case StatusDone, StatusFailed, StatusUnavailable:
	default:
		return TaskResponse{}, commErr(op, "unknown status %q", resp.Status)
	}
	return resp, nil
}
