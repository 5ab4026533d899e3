// Package serializer defines the pluggable serialization boundary the
// commit path uses to turn wrapped events into bytes and back. The default
// implementation is JSON; callers may substitute their own codec (e.g. for
// compression) as long as it satisfies the Serializer interface.
package serializer

// Serializer turns a wrapped event document into bytes for persistence and
// back. Deserialize must accept exactly what the matching Serialize
// produced; the engine never mixes serializers within a single partition.
type Serializer interface {
	Serialize(doc any) ([]byte, error)
	Deserialize(data []byte, out any) error
}
