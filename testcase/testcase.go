// Package testcase holds the markers test classes embed to declare how they
// want the database treated, and the classifier that reads them.
//
// A class embedding TestCase runs inside savepoints and never sees real
// commits. A class embedding only TransactionTestCase gets real commit and
// rollback, runs after the other tests of its module, and leaves the
// database flushed for whatever follows.
package testcase

// TransactionTestCase marks a test class that exercises real transactions.
type TransactionTestCase struct{}

func (TransactionTestCase) transactionTestCase() {}

// TestCase marks an ordinary database test class. It embeds
// TransactionTestCase, so a class can carry both markers; TestCase wins.
type TestCase struct {
	TransactionTestCase
}

func (TestCase) testCase() {}

type transactionMarker interface{ transactionTestCase() }
type caseMarker interface{ testCase() }

// Kind is the classification of a test class.
type Kind int

const (
	// Plain classes carry no marker and are isolated like TestCase.
	Plain Kind = iota
	Case
	Transaction
)

func (k Kind) String() string {
	switch k {
	case Case:
		return "TestCase"
	case Transaction:
		return "TransactionTestCase"
	default:
		return "plain"
	}
}

// IsTestCase reports whether class embeds TestCase.
func IsTestCase(class any) bool {
	_, ok := class.(caseMarker)
	return ok
}

// IsTransactionTest reports whether class wants real commit and rollback:
// it embeds TransactionTestCase and does not embed TestCase.
func IsTransactionTest(class any) bool {
	if class == nil || IsTestCase(class) {
		return false
	}
	_, ok := class.(transactionMarker)
	return ok
}

// Classify returns the kind of class.
func Classify(class any) Kind {
	switch {
	case IsTestCase(class):
		return Case
	case IsTransactionTest(class):
		return Transaction
	default:
		return Plain
	}
}
