package dom

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"testing"

	"github.com/go-aravis/aravis"
)

const sampleXML = `<?xml version="1.0"?>
<RegisterDescription ModelName="Sample" SchemaMajorVersion="1">
  <Integer Name="Width">
    <Value>640</Value>
  </Integer>
  <Category Name="Root">
    <pFeature>Width</pFeature>
    <pFeature>Height</pFeature>
  </Category>
</RegisterDescription>`

func TestParseTree(t *testing.T) {
	doc, err := Parse([]byte(sampleXML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	root := doc.Root
	if root.Tag != "RegisterDescription" {
		t.Fatalf("root tag = %q", root.Tag)
	}
	if root.Attr("ModelName") != "Sample" {
		t.Errorf("ModelName = %q", root.Attr("ModelName"))
	}
	if len(root.Children) != 2 {
		t.Fatalf("child count = %d, want 2", len(root.Children))
	}

	integer := root.Child("Integer")
	if integer == nil {
		t.Fatal("Integer child missing")
	}
	if integer.Attr("Name") != "Width" {
		t.Errorf("Integer name = %q", integer.Attr("Name"))
	}
	if integer.ChildText("Value") != "640" {
		t.Errorf("Value text = %q", integer.ChildText("Value"))
	}

	cat := root.Child("Category")
	features := cat.ChildrenByTag("pFeature")
	if len(features) != 2 {
		t.Fatalf("pFeature count = %d, want 2", len(features))
	}
}

func TestParseMalformed(t *testing.T) {
	for _, bad := range []string{
		"<a><b></a>",
		"<a>",
		"",
	} {
		if _, err := Parse([]byte(bad)); !errors.Is(err, aravis.ErrParse) {
			t.Errorf("%q: error = %v, want ErrParse", bad, err)
		}
	}
}

func TestDecompressPlain(t *testing.T) {
	out, err := Decompress([]byte(sampleXML))
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, []byte(sampleXML)) {
		t.Error("plain text must pass through unchanged")
	}
}

func TestDecompressGzip(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(sampleXML))
	w.Close()

	doc, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("parse gzipped: %v", err)
	}
	if doc.Root.Attr("ModelName") != "Sample" {
		t.Error("gzipped document did not round-trip")
	}
}

func TestDecompressZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("camera.xml")
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte(sampleXML))
	zw.Close()

	doc, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("parse zipped: %v", err)
	}
	if doc.Root.Attr("ModelName") != "Sample" {
		t.Error("zipped document did not round-trip")
	}
}

func TestDecompressZipWithoutXML(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("readme.txt")
	f.Write([]byte("nothing"))
	zw.Close()

	if _, err := Decompress(buf.Bytes()); !errors.Is(err, aravis.ErrParse) {
		t.Errorf("error = %v, want ErrParse", err)
	}
}
