package taskname

const (
	// Loyalty tasks
	LoyaltyProcessEvent        = "loyalty:event:process"
	LoyaltyReconcileCompensate = "loyalty:compensation:reconcile"
)
