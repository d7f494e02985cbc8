// Package storage implements the remote task stores behind a board session:
// a PostgREST row store, an Azure Table Storage backend, a Redis read-through
// cache and an Azure Queue sink for failed mutations.
package storage

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "brilliant-board/storage"

var retryStatusCodes = []int{408, 429, 500, 502, 503, 504}

// TableRetry is the retry policy for row store and table calls.
func TableRetry() policy.RetryOptions {
	return policy.RetryOptions{
		MaxRetries:    3,
		TryTimeout:    time.Minute * 3,
		RetryDelay:    time.Second * 1,
		MaxRetryDelay: time.Second * 15,
		StatusCodes:   retryStatusCodes,
	}
}

// QueueRetry is the retry policy for queue calls.
func QueueRetry() policy.RetryOptions {
	return policy.RetryOptions{
		MaxRetries:    5,
		TryTimeout:    time.Minute * 5,
		RetryDelay:    time.Second * 1,
		MaxRetryDelay: time.Second * 60,
		StatusCodes:   retryStatusCodes,
	}
}

// startSpan opens a client span for one remote call. The returned function
// ends it and records err.
func startSpan(ctx context.Context, name, backend string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	tracer := otel.Tracer(instrumentationName)
	attrs = append(attrs, attribute.String("board.store.backend", backend))
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// hasStatus reports whether err is an azcore response error with one of the codes.
func hasStatus(err error, codes ...int) bool {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	for _, c := range codes {
		if respErr.StatusCode == c {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err is a 404 from a remote store.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}
