package definition

import (
	"errors"
	"testing"
	"time"

	"github.com/haatos/stepflow/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("success - full definition", func(t *testing.T) {
		// arrange
		data := []byte(`
pipeline: smoke-test
parallelism: 2
context:
  kind: docker
  image: app:latest
  ports:
    - "8080:8080"
  reuse: true
steps:
  - id: build
    command: ["docker", "build", "-t", "app", "."]
    timeout_seconds: 300
  - id: run
    command: ["docker", "run", "-d", "--name", "app", "app"]
    depends_on: [build]
  - id: test
    command: ["curl", "-fsS", "http://localhost:8080/"]
    depends_on: [run]
    retries: 2
  - id: cleanup
    command: ["docker", "rm", "-f", "app"]
    depends_on: [test]
    always_run: true
`)

		// act
		p, err := Parse(data)

		// assert
		require.NoError(t, err)
		assert.Equal(t, "smoke-test", p.Name)
		assert.Equal(t, 2, p.Parallelism)
		assert.Equal(t, pipeline.ContextDocker, p.Context.Kind)
		assert.True(t, p.Context.Reuse)
		require.Len(t, p.Steps, 4)
		assert.Equal(t, 300*time.Second, p.Steps[0].Timeout)
		assert.Equal(t, DefaultStepTimeout, p.Steps[1].Timeout)
		assert.Equal(t, 2, p.Steps[2].Retries)
		assert.True(t, p.Steps[3].AlwaysRun)
	})
	t.Run("success - defaults applied", func(t *testing.T) {
		// arrange
		data := []byte(`
pipeline: minimal
steps:
  - id: hello
    command: ["echo", "hello"]
`)

		// act
		p, err := Parse(data)

		// assert
		require.NoError(t, err)
		assert.Equal(t, 1, p.Parallelism)
		assert.Equal(t, pipeline.ContextLocal, p.Context.Kind)
	})
	t.Run("failure - invalid yaml", func(t *testing.T) {
		// act
		_, err := Parse([]byte("pipeline: [unclosed"))

		// assert
		var malformedErr *MalformedDefinitionError
		require.True(t, errors.As(err, &malformedErr))
	})
	t.Run("failure - missing pipeline name", func(t *testing.T) {
		// arrange
		data := []byte(`
steps:
  - id: hello
    command: ["echo"]
`)

		// act
		_, err := Parse(data)

		// assert
		var malformedErr *MalformedDefinitionError
		require.True(t, errors.As(err, &malformedErr))
		assert.Contains(t, malformedErr.Error(), "pipeline")
	})
	t.Run("failure - no steps", func(t *testing.T) {
		// act
		_, err := Parse([]byte("pipeline: empty"))

		// assert
		var malformedErr *MalformedDefinitionError
		require.True(t, errors.As(err, &malformedErr))
	})
	t.Run("failure - step without id", func(t *testing.T) {
		// arrange
		data := []byte(`
pipeline: p
steps:
  - command: ["echo"]
`)

		// act
		_, err := Parse(data)

		// assert
		var malformedErr *MalformedDefinitionError
		require.True(t, errors.As(err, &malformedErr))
	})
	t.Run("failure - step without command", func(t *testing.T) {
		// arrange
		data := []byte(`
pipeline: p
steps:
  - id: build
`)

		// act
		_, err := Parse(data)

		// assert
		var malformedErr *MalformedDefinitionError
		require.True(t, errors.As(err, &malformedErr))
		assert.Contains(t, malformedErr.Error(), "build")
	})
	t.Run("failure - negative retries", func(t *testing.T) {
		// arrange
		data := []byte(`
pipeline: p
steps:
  - id: build
    command: ["make"]
    retries: -1
`)

		// act
		_, err := Parse(data)

		// assert
		var malformedErr *MalformedDefinitionError
		require.True(t, errors.As(err, &malformedErr))
	})
	t.Run("failure - unknown context kind", func(t *testing.T) {
		// arrange
		data := []byte(`
pipeline: p
context:
  kind: vm
steps:
  - id: build
    command: ["make"]
`)

		// act
		_, err := Parse(data)

		// assert
		var malformedErr *MalformedDefinitionError
		require.True(t, errors.As(err, &malformedErr))
	})
	t.Run("failure - docker context without image", func(t *testing.T) {
		// arrange
		data := []byte(`
pipeline: p
context:
  kind: docker
steps:
  - id: build
    command: ["make"]
`)

		// act
		_, err := Parse(data)

		// assert
		var malformedErr *MalformedDefinitionError
		require.True(t, errors.As(err, &malformedErr))
	})
}
