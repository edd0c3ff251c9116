package mast

import (
	"errors"

	"github.com/klingon-exchange/threshmast/internal/combination"
	"github.com/klingon-exchange/threshmast/internal/keyagg"
)

// Errors
var (
	ErrEmptyTree          = errors.New("empty tree")
	ErrIndexOutOfRange    = errors.New("leaf index out of range")
	ErrSubsetNotCommitted = errors.New("subset not committed")
	ErrMalformedProof     = errors.New("malformed proof")
	ErrMalformedTree      = errors.New("malformed tree")

	ErrInvalidThreshold      = combination.ErrInvalidThreshold
	ErrCombinatorialOverflow = combination.ErrCombinatorialOverflow
	ErrAggregationFailure    = keyagg.ErrAggregationFailure
)
