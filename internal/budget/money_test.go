package budget

import (
	"testing"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		input string
		want  Money
	}{
		{"1500.00", 1500000},
		{"1500", 1500000},
		{"0.001", 1},
		{"0.01", 10},
		{"0.1", 100},
		{"1424.99", 1424990},
		{" 25.50 ", 25500},
		{"-3.5", -3500},
		{"0", 0},
	}

	for _, tt := range tests {
		got, err := ParseMoney(tt.input)
		if err != nil {
			t.Errorf("ParseMoney(%q) returned error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMoney(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseMoney_Invalid(t *testing.T) {
	inputs := []string{"", "abc", "1.2345", "12a.00", "1.2x", ".", "-"}

	for _, input := range inputs {
		if _, err := ParseMoney(input); err == nil {
			t.Errorf("ParseMoney(%q) should have failed", input)
		}
	}
}

func TestMoney_String(t *testing.T) {
	tests := []struct {
		amount Money
		want   string
	}{
		{1500000, "1500.000"},
		{1, "0.001"},
		{1424990, "1424.990"},
		{-3500, "-3.500"},
		{0, "0.000"},
	}

	for _, tt := range tests {
		if got := tt.amount.String(); got != tt.want {
			t.Errorf("Money(%d).String() = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestThresholdAmount(t *testing.T) {
	tests := []struct {
		name    string
		cap     Money
		percent float64
		want    Money
	}{
		{"default cap at 95", 1500000, 95.0, 1425000},
		{"default cap at 80", 1500000, 80.0, 1200000},
		{"hundred euros at 95", 100000, 95.0, 95000},
		{"rounds half cent up", 1000, 50.5, 510},
		{"rounds fractional cent", 333, 50.0, 170},
		{"sub-cent result rounds to zero", 1, 95.0, 0},
	}

	for _, tt := range tests {
		if got := ThresholdAmount(tt.cap, tt.percent); got != tt.want {
			t.Errorf("%s: ThresholdAmount(%d, %v) = %d, want %d", tt.name, tt.cap, tt.percent, got, tt.want)
		}
	}
}

func TestUtilizationMilliPercent(t *testing.T) {
	tests := []struct {
		name  string
		spend Money
		cap   Money
		want  int64
	}{
		{"mid-period spend", 1400050, 1500000, 93337},
		{"exactly at threshold", 1425000, 1500000, 95000},
		{"half of cap", 750000, 1500000, 50000},
		{"zero spend", 0, 1500000, 0},
		{"zero cap", 100, 0, 0},
		{"rounds down below half", 1, 3000, 33},
		{"rounds half up", 1, 200000, 1},
	}

	for _, tt := range tests {
		if got := UtilizationMilliPercent(tt.spend, tt.cap); got != tt.want {
			t.Errorf("%s: UtilizationMilliPercent(%d, %d) = %d, want %d", tt.name, tt.spend, tt.cap, got, tt.want)
		}
	}
}

func TestStatusForUtilization(t *testing.T) {
	tests := []struct {
		milliPct int64
		want     Status
	}{
		{0, StatusNormal},
		{49999, StatusNormal},
		{50000, StatusWarning},
		{79999, StatusWarning},
		{80000, StatusAlert},
		{89999, StatusAlert},
		{90000, StatusEscalation},
		{94999, StatusEscalation},
		{95000, StatusKillSwitch},
		{120000, StatusKillSwitch},
	}

	for _, tt := range tests {
		if got := StatusForUtilization(tt.milliPct); got != tt.want {
			t.Errorf("StatusForUtilization(%d) = %s, want %s", tt.milliPct, got, tt.want)
		}
	}
}

// The threshold comparison is strict: a projection landing exactly on
// the threshold amount is still admitted.
func TestThresholdBoundary(t *testing.T) {
	cap := Money(1500000)
	threshold := ThresholdAmount(cap, 95.0)

	current, _ := ParseMoney("1424.99")
	cost, _ := ParseMoney("0.01")
	if current+cost > threshold {
		t.Errorf("projection %d should not exceed threshold %d", current+cost, threshold)
	}

	atThreshold, _ := ParseMoney("1425.00")
	tiny, _ := ParseMoney("0.001")
	if atThreshold+tiny <= threshold {
		t.Errorf("projection %d should exceed threshold %d", atThreshold+tiny, threshold)
	}
}

func TestCostOf(t *testing.T) {
	tests := []struct {
		apiType   string
		processor string
		want      Money
	}{
		{"search", "base", 1},
		{"search", "pro", 5},
		{"task", "base", 10},
		{"task", "core", 20},
		{"task", "pro", 50},
	}

	for _, tt := range tests {
		got, err := CostOf(tt.apiType, tt.processor)
		if err != nil {
			t.Errorf("CostOf(%q, %q) returned error: %v", tt.apiType, tt.processor, err)
			continue
		}
		if got != tt.want {
			t.Errorf("CostOf(%q, %q) = %d, want %d", tt.apiType, tt.processor, got, tt.want)
		}
	}
}

func TestCostOf_Unknown(t *testing.T) {
	if _, err := CostOf("video", "base"); err == nil {
		t.Error("unknown api type should fail")
	}
	if _, err := CostOf("search", "ultra"); err == nil {
		t.Error("unknown processor should fail")
	}
}
