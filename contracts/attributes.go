package contracts

import (
	"strconv"
	"strings"
)

// Recognized transport headers
const (
	HeaderCorrelationID            = "correlation-id"
	HeaderParentCorrelationID      = "parentCorrelationId"
	HeaderGrandParentCorrelationID = "grandParentCorrelationId"
	HeaderSiblingCount             = "siblingCount"
	HeaderParentSiblingCount       = "parentSiblingCount"
	HeaderIdempotencyKey           = "idempotencyKey"
	HeaderRunID                    = "runId"
	HeaderResendNumber             = "resendNumber"
	HeaderRetryCount               = "x-retry-count"
	HeaderQueueName                = "x-queue-name"
	HeaderNoRetry                  = "x-no-retry"
	HeaderDeliveryAttempt          = "x-delivery-attempt"
	HeaderRelativeURL              = "x-relative-url"
	HeaderKey                      = "key"
)

// Attributes is the dispatch context of a single delivery
type Attributes struct {
	Key                      string
	CorrelationID            string
	ParentCorrelationID      string
	GrandParentCorrelationID string
	SiblingCount             int
	ParentSiblingCount       int
	RunID                    string
	RetryCount               int
	DeliveryAttempt          int
	IdempotencyKey           string
	Queue                    string
	ResendNumber             int
	NoRetry                  bool
}

// HeaderGetter reads a single header value; http.Header.Get satisfies it
type HeaderGetter func(name string) string

// AttributesFromHeaders builds dispatch attributes for key from transport headers
func AttributesFromHeaders(key string, get HeaderGetter) Attributes {
	attrs := Attributes{
		Key:                      key,
		CorrelationID:            get(HeaderCorrelationID),
		ParentCorrelationID:      get(HeaderParentCorrelationID),
		GrandParentCorrelationID: get(HeaderGrandParentCorrelationID),
		SiblingCount:             atoi(get(HeaderSiblingCount)),
		ParentSiblingCount:       atoi(get(HeaderParentSiblingCount)),
		RunID:                    get(HeaderRunID),
		RetryCount:               atoi(get(HeaderRetryCount)),
		DeliveryAttempt:          atoi(get(HeaderDeliveryAttempt)),
		IdempotencyKey:           get(HeaderIdempotencyKey),
		Queue:                    get(HeaderQueueName),
		ResendNumber:             atoi(get(HeaderResendNumber)),
		NoRetry:                  parseBool(get(HeaderNoRetry)),
	}
	if attrs.DeliveryAttempt == 0 {
		attrs.DeliveryAttempt = attrs.RetryCount + 1
	}
	return attrs
}

// AttributesFromMap builds dispatch attributes from a plain header map
func AttributesFromMap(key string, headers map[string]string) Attributes {
	return AttributesFromHeaders(key, func(name string) string {
		if v, ok := headers[name]; ok {
			return v
		}
		// Header names are case-insensitive on most transports.
		for k, v := range headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	})
}

// Headers returns the headers propagated to the next task of the same workflow.
// Per-delivery values (retry count, queue, idempotency key, resend number) are not carried over.
func (a Attributes) Headers() map[string]string {
	headers := map[string]string{
		HeaderCorrelationID: a.CorrelationID,
	}
	if a.RunID != "" {
		headers[HeaderRunID] = a.RunID
	}
	if a.ParentCorrelationID != "" {
		headers[HeaderParentCorrelationID] = a.ParentCorrelationID
		headers[HeaderSiblingCount] = strconv.Itoa(a.SiblingCount)
	}
	if a.GrandParentCorrelationID != "" {
		headers[HeaderGrandParentCorrelationID] = a.GrandParentCorrelationID
		headers[HeaderParentSiblingCount] = strconv.Itoa(a.ParentSiblingCount)
	}
	return headers
}

// Child returns attributes for the next task of the same workflow at key
func (a Attributes) Child(key string) Attributes {
	return Attributes{
		Key:                      key,
		CorrelationID:            a.CorrelationID,
		ParentCorrelationID:      a.ParentCorrelationID,
		GrandParentCorrelationID: a.GrandParentCorrelationID,
		SiblingCount:             a.SiblingCount,
		ParentSiblingCount:       a.ParentSiblingCount,
		RunID:                    a.RunID,
		Queue:                    a.Queue,
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}
