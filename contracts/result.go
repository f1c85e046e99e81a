package contracts

// Result is what a step handler returns on success.
// It is one of Advance, Trigger or Empty.
type Result interface {
	isResult()
}

// Advance appends its values to the message data and moves to the next step.
// Several values are appended in order, the same way an array result is spread.
type Advance struct {
	Values []any
}

// Trigger branches into another workflow.
// Keys starting with sub-sequence fan out and wait; sequence and event keys fire and continue.
type Trigger struct {
	Key      string
	Messages []*Message
}

// Empty advances without appending anything
type Empty struct{}

func (Advance) isResult() {}
func (Trigger) isResult() {}
func (Empty) isResult()   {}

// Append returns an Advance result carrying values
func Append(values ...any) Result {
	if len(values) == 0 {
		return Empty{}
	}
	return Advance{Values: values}
}

// Spread returns an Advance result that appends every element of items
func Spread[T any](items []T) Result {
	values := make([]any, len(items))
	for i, item := range items {
		values[i] = item
	}
	return Advance{Values: values}
}

// Fire returns a Trigger result for key. No messages means an empty fan-out.
func Fire(key string, messages ...*Message) Result {
	if messages == nil {
		messages = []*Message{}
	}
	return Trigger{Key: key, Messages: messages}
}
