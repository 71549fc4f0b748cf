package bulk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.ozon.dev/qwestard/console/internal/models"
)

func TestIntent(t *testing.T) {
	assert.True(t, IntentConfirm.Valid())
	assert.True(t, IntentCancel.Valid())
	assert.True(t, IntentUnblock.Valid())
	assert.False(t, Intent("ship").Valid())

	assert.Equal(t, models.StatusConfirmed, IntentConfirm.Target())
	assert.Equal(t, models.StatusCanceled, IntentCancel.Target())
	assert.Equal(t, models.StatusNew, IntentUnblock.Target())
}

func TestEligible(t *testing.T) {
	assert.True(t, Eligible(&models.Order{Status: "new"}, IntentConfirm))
	assert.False(t, Eligible(&models.Order{Status: "canceled"}, IntentConfirm))
	assert.True(t, Eligible(&models.Order{Status: "canceled"}, IntentUnblock))
	assert.True(t, Eligible(&models.Order{Status: "blocked"}, IntentUnblock))
	assert.False(t, Eligible(&models.Order{Status: "shipped"}, IntentConfirm))

	// Legacy raw statuses classify through normalization.
	assert.True(t, Eligible(&models.Order{Status: "Pending"}, IntentConfirm))
	assert.True(t, Eligible(&models.Order{Status: "Retour"}, IntentUnblock))
}

// Five selected, two already canceled: confirm yields 3 eligible, 2 skipped.
func TestClassify(t *testing.T) {
	orders := []*models.Order{
		{ID: "o1", Status: "new"},
		{ID: "o2", Status: "canceled"},
		{ID: "o3", Status: "new"},
		{ID: "o4", Status: "canceled"},
		{ID: "o5", Status: "new"},
	}
	eligible, skipped := Classify(orders, IntentConfirm)
	assert.Equal(t, []string{"o1", "o3", "o5"}, eligible)
	assert.Equal(t, 2, skipped)
}

func TestSummary(t *testing.T) {
	cases := []struct {
		name string
		res  Result
		want string
	}{
		{"all three", Result{Success: 3, Skipped: 2, Failed: 1}, "3 succeeded, 2 skipped, 1 failed"},
		{"success only", Result{Success: 5}, "5 succeeded"},
		{"skipped hidden when zero", Result{Success: 3, Failed: 1}, "3 succeeded, 1 failed"},
		{"failures never hidden", Result{Failed: 2}, "2 failed"},
		{"empty", Result{}, "nothing to do"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, c.res.Summary())
		})
	}
}

func TestResultAdd(t *testing.T) {
	r := Result{Success: 1, FailedIDs: []string{"a"}}
	r.Add(Result{Success: 2, Skipped: 1, Failed: 1, FailedIDs: []string{"b"}})
	assert.Equal(t, 3, r.Success)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, []string{"a", "b"}, r.FailedIDs)
}
