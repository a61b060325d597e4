package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{name: "all backends available", backends: []bool{true, true}, expected: true},
		{name: "some backends available", backends: []bool{false, true, false}, expected: true},
		{name: "no backends available", backends: []bool{false, false}, expected: false},
		{name: "no backends", backends: []bool{}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				m := &MockStorageBackend{BackendName: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, m)
			}

			multi := NewMultiStorageBackend(backends, slog.New(slog.NewTextHandler(io.Discard, nil)))
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, b := range backends {
				b.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_FetchFallsBack(t *testing.T) {
	testID := interfaces.ComputeID([]byte("print('boot')"))
	testData := []byte("print('boot')")

	archive := &MockStorageBackend{BackendName: "archive"}
	archive.On("Available", mock.Anything).Return(true)
	archive.On("Fetch", mock.Anything, testID, interfaces.BootArtifact).Return(nil, interfaces.ErrContentNotFound)

	offline := &MockStorageBackend{BackendName: "offline"}
	offline.On("Available", mock.Anything).Return(false)

	staging := &MockStorageBackend{BackendName: "staging"}
	staging.On("Available", mock.Anything).Return(true)
	staging.On("Fetch", mock.Anything, testID, interfaces.BootArtifact).Return(testData, nil)

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{archive, offline, staging}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	data, err := multi.Fetch(context.Background(), testID, interfaces.BootArtifact)
	assert.NoError(t, err)
	assert.Equal(t, testData, data)

	archive.AssertExpectations(t)
	offline.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything)
	staging.AssertExpectations(t)
}

func TestMultiStorageBackend_FetchAllFail(t *testing.T) {
	testID := interfaces.ComputeID([]byte("x"))

	a := &MockStorageBackend{BackendName: "a"}
	a.On("Available", mock.Anything).Return(true)
	a.On("Fetch", mock.Anything, testID, interfaces.PrimaryArtifact).Return(nil, errors.New("boom"))

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{a}, nil)
	data, err := multi.Fetch(context.Background(), testID, interfaces.PrimaryArtifact)
	assert.Error(t, err)
	assert.Nil(t, data)
}

func TestMultiStorageBackend_Store(t *testing.T) {
	testData := []byte("print('main')")
	testID := interfaces.ComputeID(testData)
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		results       []error
		available     []bool
		expectedID    interfaces.ContentID
		expectedError bool
	}{
		{
			name:       "all backends successful",
			results:    []error{nil, nil},
			available:  []bool{true, true},
			expectedID: testID,
		},
		{
			name:       "some backends fail",
			results:    []error{nil, testErr},
			available:  []bool{true, true},
			expectedID: testID,
		},
		{
			name:          "all backends fail",
			results:       []error{testErr, testErr},
			available:     []bool{true, true},
			expectedError: true,
		},
		{
			name:       "unavailable backends are skipped",
			results:    []error{nil, nil},
			available:  []bool{false, true},
			expectedID: testID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mocks []*MockStorageBackend
			var backends []interfaces.StorageBackend
			for i, res := range tt.results {
				m := &MockStorageBackend{BackendName: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(tt.available[i])
				if tt.available[i] {
					id := testID
					if res != nil {
						id = interfaces.ContentID{}
					}
					m.On("Store", mock.Anything, testData, interfaces.PrimaryArtifact).Return(id, res)
				}
				mocks = append(mocks, m)
				backends = append(backends, m)
			}

			multi := NewMultiStorageBackend(backends, slog.New(slog.NewTextHandler(io.Discard, nil)))
			id, err := multi.Store(context.Background(), testData, interfaces.PrimaryArtifact)
			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedID, id)

			for _, m := range mocks {
				m.AssertExpectations(t)
			}
		})
	}
}
