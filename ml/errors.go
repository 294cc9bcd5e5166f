package ml

import "errors"

var (
	ErrModelNotRegistered = errors.New("model class not registered")
	ErrDuplicateModel     = errors.New("model class already registered")
	ErrNotPredictReady    = errors.New("model is not predict ready")
	ErrNotTrainReady      = errors.New("model is not train ready")
	ErrInvalidCheckpoint  = errors.New("invalid checkpoint")
	ErrInvalidParams      = errors.New("invalid params")
	ErrInvalidDevice      = errors.New("invalid device")
	ErrForward            = errors.New("forward pass failed")
	ErrEmptyBatch         = errors.New("empty batch")
)
