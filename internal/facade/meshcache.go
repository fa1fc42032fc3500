// Mesh disk cache: upload_model's persisted-state format from spec.md §6,
// grounded on original_source's model_mesh.hpp/.cpp (ModelCacheHeader,
// saveModelToCache/loadModelWithCache, saveMultiMeshToCache/
// loadMultiMeshFromCache). The teacher carries no mesh-loading layer of its
// own (engine/resources/* was dropped outright, per DESIGN.md), so this
// file's shape is the original C++ serialize()/deserialize() pair
// translated into encoding/binary, matching the little-endian, length-
// prefixed style internal/pipelinecache/cache.go already uses for the
// pipeline cache's own disk blob.
//
// The original's MeshMaterial carries a full PBR texture-path table; the
// ECS/material system that would populate it is out of CORE scope (see
// DESIGN.md's dropped-module ledger), so a submesh's material here is a
// single name string rather than the original's ten texture-path vectors —
// the field stays part of the wire format, CORE just never has more than a
// name to put in it.
package facade

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cespare/xxhash/v2"
	vk "github.com/goki/vulkan"
)

const (
	meshCacheMagic      uint32 = 0x4D4F444C // "MODL"
	multiMeshCacheMagic uint32 = 0x4D4D5348 // "MMSH"
	meshCacheVersion    uint32 = 1
	meshCacheDir               = "data/cache/mesh"
	meshCacheExt               = ".mesh"
	multiMeshCacheExt          = ".meshes"
)

// Submesh is one drawable range within a Mesh's index buffer, mirroring
// SubMesh in model_mesh.hpp. Topology lives here (rather than only on
// DrawInstance) so the cache file can name it per spec.md's submesh table.
type Submesh struct {
	IndexOffset uint32
	IndexCount  uint32
	Topology    vk.PrimitiveTopology
	Material    string
}

// meshFileHash returns mesh.FileHash if the caller supplied one (the
// model-file importer's job, out of CORE scope), else xxhash64 over the
// mesh's own bytes — the "no importer available" fallback the original's
// Model::createFromFile takes when common::FS::file_hash comes back empty.
func meshFileHash(mesh Mesh) uint64 {
	if mesh.FileHash != 0 {
		return mesh.FileHash
	}
	h := xxhash.New()
	h.Write(mesh.VertexData)
	indexBytes := make([]byte, len(mesh.Indices)*4)
	for i, idx := range mesh.Indices {
		binary.LittleEndian.PutUint32(indexBytes[4*i:], idx)
	}
	h.Write(indexBytes)
	return h.Sum64()
}

func defaultSubmeshes(mesh Mesh) []Submesh {
	return []Submesh{{IndexOffset: 0, IndexCount: uint32(len(mesh.Indices)), Topology: vk.PrimitiveTopologyTriangleList}}
}

func meshCachePath(fileHash uint64) string {
	return filepath.Join(meshCacheDir, strconv.FormatUint(fileHash, 10)+meshCacheExt)
}

func multiMeshCachePath(fileHash uint64) string {
	return filepath.Join(meshCacheDir, strconv.FormatUint(fileHash, 10)+multiMeshCacheExt)
}

type cachedMesh struct {
	vertexData   []byte
	vertexStride uint32
	indices      []uint32
	submeshes    []Submesh
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return "", err
		}
	}
	return string(data), nil
}

// encodeMeshBody writes the vcount/icount/ocount + vertex-stride header
// and raw vertex/index arrays common to both the single-mesh and
// multi-mesh variants, per Model::serialize/MultiMeshModel::Mesh::serialize.
// only_vertex is always empty here: it holds position-only data the
// original's assimp importer derives, and CORE has no importer of its own.
func encodeMeshBody(buf *bytes.Buffer, mesh Mesh) {
	var header [24]byte
	binary.LittleEndian.PutUint64(header[0:8], uint64(len(mesh.VertexData))/uint64(maxu32(mesh.VertexStride, 1)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(mesh.Indices)))
	binary.LittleEndian.PutUint64(header[16:24], 0) // only_vertex count
	buf.Write(header[:])
	var strideBuf [8]byte
	binary.LittleEndian.PutUint32(strideBuf[0:4], mesh.VertexStride)
	buf.Write(strideBuf[:])

	buf.Write(mesh.VertexData)
	indexBytes := make([]byte, len(mesh.Indices)*4)
	for i, idx := range mesh.Indices {
		binary.LittleEndian.PutUint32(indexBytes[4*i:], idx)
	}
	buf.Write(indexBytes)
}

func decodeMeshBody(r *bytes.Reader) (vertexData []byte, indices []uint32, vertexStride uint32, err error) {
	var header [24]byte
	if _, err = io.ReadFull(r, header[:]); err != nil {
		return nil, nil, 0, err
	}
	vcount := binary.LittleEndian.Uint64(header[0:8])
	icount := binary.LittleEndian.Uint64(header[8:16])
	ocount := binary.LittleEndian.Uint64(header[16:24])

	var strideBuf [8]byte
	if _, err = io.ReadFull(r, strideBuf[:]); err != nil {
		return nil, nil, 0, err
	}
	vertexStride = binary.LittleEndian.Uint32(strideBuf[0:4])

	vertexData = make([]byte, vcount*uint64(vertexStride))
	if len(vertexData) > 0 {
		if _, err = io.ReadFull(r, vertexData); err != nil {
			return nil, nil, 0, err
		}
	}
	indexBytes := make([]byte, icount*4)
	if len(indexBytes) > 0 {
		if _, err = io.ReadFull(r, indexBytes); err != nil {
			return nil, nil, 0, err
		}
	}
	indices = make([]uint32, icount)
	for i := range indices {
		indices[i] = binary.LittleEndian.Uint32(indexBytes[4*i:])
	}
	if ocount > 0 {
		if _, err = io.ReadFull(r, make([]byte, ocount*12)); err != nil {
			return nil, nil, 0, err
		}
	}
	return vertexData, indices, vertexStride, nil
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// saveMeshToCache writes mesh's ModelCacheHeader-framed blob to
// data/cache/mesh/<fileHash>.mesh, mirroring saveModelToCache.
func saveMeshToCache(fileHash uint64, mesh Mesh, submeshes []Submesh) error {
	if err := os.MkdirAll(meshCacheDir, 0o755); err != nil {
		return fmt.Errorf("mesh cache save: %w", err)
	}
	var buf bytes.Buffer
	var header [24]byte
	binary.LittleEndian.PutUint32(header[0:4], meshCacheMagic)
	binary.LittleEndian.PutUint32(header[4:8], meshCacheVersion)
	binary.LittleEndian.PutUint64(header[8:16], fileHash)
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(submeshes)))
	buf.Write(header[:])

	encodeMeshBody(&buf, mesh)

	for _, sm := range submeshes {
		var smHeader [12]byte
		binary.LittleEndian.PutUint32(smHeader[0:4], sm.IndexOffset)
		binary.LittleEndian.PutUint32(smHeader[4:8], sm.IndexCount)
		binary.LittleEndian.PutUint32(smHeader[8:12], uint32(sm.Topology))
		buf.Write(smHeader[:])
		writeString(&buf, sm.Material)
	}

	if err := os.WriteFile(meshCachePath(fileHash), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("mesh cache save: %w", err)
	}
	return nil
}

// loadMeshFromCache mirrors loadModelWithCache: a magic/version/fileHash
// mismatch (or any read error) is reported as a plain cache miss, never an
// error — the caller falls back to the raw upload path.
func loadMeshFromCache(fileHash uint64) (*cachedMesh, bool) {
	data, err := os.ReadFile(meshCachePath(fileHash))
	if err != nil {
		return nil, false
	}
	r := bytes.NewReader(data)
	var header [24]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, false
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	version := binary.LittleEndian.Uint32(header[4:8])
	storedHash := binary.LittleEndian.Uint64(header[8:16])
	submeshCount := binary.LittleEndian.Uint32(header[16:20])
	if magic != meshCacheMagic || version != meshCacheVersion || storedHash != fileHash {
		return nil, false
	}

	vertexData, indices, vertexStride, err := decodeMeshBody(r)
	if err != nil {
		return nil, false
	}

	submeshes := make([]Submesh, submeshCount)
	for i := range submeshes {
		var smHeader [12]byte
		if _, err := io.ReadFull(r, smHeader[:]); err != nil {
			return nil, false
		}
		name, err := readString(r)
		if err != nil {
			return nil, false
		}
		submeshes[i] = Submesh{
			IndexOffset: binary.LittleEndian.Uint32(smHeader[0:4]),
			IndexCount:  binary.LittleEndian.Uint32(smHeader[4:8]),
			Topology:    vk.PrimitiveTopology(binary.LittleEndian.Uint32(smHeader[8:12])),
			Material:    name,
		}
	}

	return &cachedMesh{vertexData: vertexData, vertexStride: vertexStride, indices: indices, submeshes: submeshes}, true
}

// saveMultiMeshToCache writes the batch variant to
// data/cache/mesh/<fileHash>.meshes, mirroring saveMultiMeshToCache: each
// entry is a plain mesh body plus a single material name, no submesh table
// (MultiMeshModel::Mesh has exactly one material, never a submesh list).
func saveMultiMeshToCache(fileHash uint64, meshes []Mesh, materials []string) error {
	if err := os.MkdirAll(meshCacheDir, 0o755); err != nil {
		return fmt.Errorf("multi-mesh cache save: %w", err)
	}
	var buf bytes.Buffer
	var header [24]byte
	binary.LittleEndian.PutUint32(header[0:4], multiMeshCacheMagic)
	binary.LittleEndian.PutUint32(header[4:8], meshCacheVersion)
	binary.LittleEndian.PutUint64(header[8:16], fileHash)
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(meshes)))
	buf.Write(header[:])

	for i, mesh := range meshes {
		encodeMeshBody(&buf, mesh)
		material := ""
		if i < len(materials) {
			material = materials[i]
		}
		writeString(&buf, material)
	}

	if err := os.WriteFile(multiMeshCachePath(fileHash), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("multi-mesh cache save: %w", err)
	}
	return nil
}

// loadMultiMeshFromCache mirrors loadMultiMeshFromCache: a mismatch or read
// error is a plain cache miss.
func loadMultiMeshFromCache(fileHash uint64) ([]cachedMesh, []string, bool) {
	data, err := os.ReadFile(multiMeshCachePath(fileHash))
	if err != nil {
		return nil, nil, false
	}
	r := bytes.NewReader(data)
	var header [24]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, nil, false
	}
	magic := binary.LittleEndian.Uint32(header[0:4])
	version := binary.LittleEndian.Uint32(header[4:8])
	storedHash := binary.LittleEndian.Uint64(header[8:16])
	meshCount := binary.LittleEndian.Uint32(header[16:20])
	if magic != multiMeshCacheMagic || version != meshCacheVersion || storedHash != fileHash {
		return nil, nil, false
	}

	meshes := make([]cachedMesh, meshCount)
	materials := make([]string, meshCount)
	for i := range meshes {
		vertexData, indices, vertexStride, err := decodeMeshBody(r)
		if err != nil {
			return nil, nil, false
		}
		material, err := readString(r)
		if err != nil {
			return nil, nil, false
		}
		meshes[i] = cachedMesh{vertexData: vertexData, vertexStride: vertexStride, indices: indices}
		materials[i] = material
	}
	return meshes, materials, true
}
