package types

import "testing"

func TestResponseCommandFor(t *testing.T) {
	tests := []struct {
		request  uint16
		response uint16
	}{
		{CStoreRQ, CStoreRSP},
		{CGetRQ, CGetRSP},
		{CFindRQ, CFindRSP},
		{CMoveRQ, CMoveRSP},
		{CEchoRQ, CEchoRSP},
		{0x0100, 0x8100},
	}

	for _, tt := range tests {
		t.Run(CommandName(tt.request), func(t *testing.T) {
			if got := ResponseCommandFor(tt.request); got != tt.response {
				t.Errorf("ResponseCommandFor(0x%04x) = 0x%04x, want 0x%04x", tt.request, got, tt.response)
			}
		})
	}
}

func TestMessage_IsResponse(t *testing.T) {
	tests := []struct {
		name         string
		commandField uint16
		isResponse   bool
	}{
		{"C-FIND Request", CFindRQ, false},
		{"C-FIND Response", CFindRSP, true},
		{"C-GET Request", CGetRQ, false},
		{"C-MOVE Response", CMoveRSP, true},
		{"C-CANCEL", CCancelRQ, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{CommandField: tt.commandField}
			if msg.IsResponse() != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", msg.IsResponse(), tt.isResponse)
			}
		})
	}
}

func TestMessage_HasDataset(t *testing.T) {
	if (&Message{CommandDataSetType: NoDataSet}).HasDataset() {
		t.Error("0x0101 must mean no data set")
	}
	if !(&Message{CommandDataSetType: DataSetPresent}).HasDataset() {
		t.Error("0x0000 must mean a data set follows")
	}
	if !(&Message{CommandDataSetType: 0x0102}).HasDataset() {
		t.Error("any value other than 0x0101 means a data set follows")
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		status  uint16
		success bool
		pending bool
		warning bool
		failure bool
	}{
		{StatusSuccess, true, false, false, false},
		{StatusPending, false, true, false, false},
		{StatusPendingWarning, false, true, false, false},
		{StatusWarning, false, false, true, false},
		{0x0107, false, false, true, false},
		{StatusFailure, false, false, false, true},
		{StatusOutOfResources, false, false, false, true},
		{StatusMoveDestinationUnknown, false, false, false, true},
		{StatusCancel, false, false, false, true},
	}

	for _, tt := range tests {
		if got := IsSuccessStatus(tt.status); got != tt.success {
			t.Errorf("IsSuccessStatus(0x%04x) = %v", tt.status, got)
		}
		if got := IsPendingStatus(tt.status); got != tt.pending {
			t.Errorf("IsPendingStatus(0x%04x) = %v", tt.status, got)
		}
		if got := IsWarningStatus(tt.status); got != tt.warning {
			t.Errorf("IsWarningStatus(0x%04x) = %v", tt.status, got)
		}
		if got := IsFailureStatus(tt.status); got != tt.failure {
			t.Errorf("IsFailureStatus(0x%04x) = %v", tt.status, got)
		}
	}
}
