package eventlog

import (
	"fmt"
	"time"
)

// Management request fields
const (
	managementEntityNameKey = "name"
	managementPartitionKey  = "partition"
	managementOperationKey  = "operation"
	managementEntityTypeKey = "type"
	readOperation           = "READ"
	eventLogEntityType      = "com.microsoft:eventhub"
	partitionEntityType     = "com.microsoft:partition"
	managementChannelName   = "mgmt"
)

// RuntimeInformation describes an event log
type RuntimeInformation struct {
	Path           string
	CreatedAt      time.Time
	PartitionCount int
	PartitionIDs   []string
}

// PartitionRuntimeInformation describes one partition
type PartitionRuntimeInformation struct {
	Path                       string
	PartitionID                string
	BeginSequenceNumber        int64
	LastEnqueuedSequenceNumber int64
	LastEnqueuedOffset         string
	LastEnqueuedTime           time.Time
	IsEmpty                    bool
}

func runtimeInformationRequest(path string) map[string]any {
	return map[string]any{
		managementEntityNameKey: path,
		managementOperationKey:  readOperation,
		managementEntityTypeKey: eventLogEntityType,
	}
}

func partitionInformationRequest(path, partitionID string) map[string]any {
	return map[string]any{
		managementEntityNameKey: path,
		managementPartitionKey:  partitionID,
		managementOperationKey:  readOperation,
		managementEntityTypeKey: partitionEntityType,
	}
}

func parseRuntimeInformation(body map[string]any) (*RuntimeInformation, error) {
	info := &RuntimeInformation{}
	info.Path, _ = body["name"].(string)
	if t, ok := body["created_at"].(time.Time); ok {
		info.CreatedAt = t
	}
	if n, ok := toInt(body["partition_count"]); ok {
		info.PartitionCount = n
	}
	switch ids := body["partition_ids"].(type) {
	case []string:
		info.PartitionIDs = ids
	case []any:
		for _, id := range ids {
			s, ok := id.(string)
			if !ok {
				return nil, fmt.Errorf("%w: partition id has type %T", ErrInvalidResponse, id)
			}
			info.PartitionIDs = append(info.PartitionIDs, s)
		}
	case nil:
	default:
		return nil, fmt.Errorf("%w: partition_ids has type %T", ErrInvalidResponse, ids)
	}
	if info.PartitionCount == 0 {
		info.PartitionCount = len(info.PartitionIDs)
	}
	return info, nil
}

func parsePartitionRuntimeInformation(body map[string]any) (*PartitionRuntimeInformation, error) {
	info := &PartitionRuntimeInformation{}
	info.Path, _ = body["name"].(string)
	info.PartitionID, _ = body["partition"].(string)
	if n, ok := toInt64(body["begin_sequence_number"]); ok {
		info.BeginSequenceNumber = n
	}
	if n, ok := toInt64(body["last_enqueued_sequence_number"]); ok {
		info.LastEnqueuedSequenceNumber = n
	}
	info.LastEnqueuedOffset, _ = body["last_enqueued_offset"].(string)
	if t, ok := body["last_enqueued_time_utc"].(time.Time); ok {
		info.LastEnqueuedTime = t
	}
	info.IsEmpty, _ = body["is_partition_empty"].(bool)
	if info.PartitionID == "" {
		return nil, fmt.Errorf("%w: missing partition", ErrInvalidResponse)
	}
	return info, nil
}
