package worker

import (
	"testing"

	"github.com/fairyhunter13/contest-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTaskTypeParameters_Batch(t *testing.T) {
	raw := []byte(`{"use_file_io":true,"input_file":"input.txt","output_file":"output.txt"}`)
	got, err := DecodeTaskTypeParameters(domain.TaskTypeBatch, raw)
	require.NoError(t, err)
	params, ok := got.(BatchParameters)
	require.True(t, ok)
	assert.True(t, params.UseFileIO)
	assert.Equal(t, "input.txt", params.InputFile)
}

func TestDecodeTaskTypeParameters_EmptyRaw(t *testing.T) {
	got, err := DecodeTaskTypeParameters(domain.TaskTypeOutputOnly, nil)
	require.NoError(t, err)
	assert.Equal(t, OutputOnlyParameters{}, got)
}

func TestDecodeTaskTypeParameters_UnknownType(t *testing.T) {
	_, err := DecodeTaskTypeParameters(domain.TaskType("Bogus"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDecodeTaskTypeParameters_Communication(t *testing.T) {
	raw := []byte(`{"num_processes":2,"fifo_prefix":"fifo_"}`)
	got, err := DecodeTaskTypeParameters(domain.TaskTypeCommunication, raw)
	require.NoError(t, err)
	params, ok := got.(CommunicationParameters)
	require.True(t, ok)
	assert.Equal(t, 2, params.NumProcesses)
}
