package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Robot arm ids addressable by telemetry.
var RobotJoints = []string{
	"Robot_Axis_1", "Robot_Axis_2", "Robot_Axis_3",
	"Robot_Axis_4", "Robot_Axis_5", "Robot_Axis_6",
}

var RobotClaws = []string{"Robot_Claw_L", "Robot_Claw_R"}

// RobotArm builds a six-axis arm with a two-finger gripper. Every white part
// shares one material and every black part shares another, so recoloring a
// single joint relies on the engine's clone-on-first-write rule.
func RobotArm() *Node {
	root := NewGroup("Robot_Scene")
	root.Scale = mgl64.Vec3{0.8, 0.8, 0.8}

	white := NewMaterial("white", MustHex("#ffffff"))
	black := NewMaterial("black", MustHex("#111111"))

	base := NewMesh("Static_Base", "cylinder", white)
	base.Position = mgl64.Vec3{0, 0.4, 0}
	root.Add(base)

	axis1 := NewMesh("Robot_Axis_1", "cylinder", white) // yaw
	axis1.Position = mgl64.Vec3{0, 0.6, 0}
	base.Add(axis1)

	axis2 := NewMesh("Robot_Axis_2", "box", white) // shoulder
	axis2.Position = mgl64.Vec3{0, 0.8, 0}
	axis1.Add(axis2)

	upperArm := NewMesh("", "box", white)
	upperArm.Position = mgl64.Vec3{0, 2, 0}
	axis2.Add(upperArm)

	axis3 := NewMesh("Robot_Axis_3", "cylinder", white) // elbow
	axis3.SetEuler(0, 0, math.Pi/2)
	axis3.Position = mgl64.Vec3{0, 2, 0}
	upperArm.Add(axis3)

	forearm := NewMesh("", "box", white)
	forearm.Position = mgl64.Vec3{1.5, 0, 0}
	axis3.Add(forearm)

	axis4 := NewMesh("Robot_Axis_4", "cylinder", white) // wrist roll
	axis4.SetEuler(0, 0, -math.Pi/2)
	axis4.Position = mgl64.Vec3{1.5, 0, 0}
	forearm.Add(axis4)

	axis5 := NewMesh("Robot_Axis_5", "box", white) // wrist pitch
	axis5.Position = mgl64.Vec3{0.5, 0, 0}
	axis4.Add(axis5)

	axis6 := NewMesh("Robot_Axis_6", "cylinder", black) // flange
	axis6.SetEuler(0, 0, math.Pi/2)
	axis6.Position = mgl64.Vec3{0.4, 0, 0}
	axis5.Add(axis6)

	gripper := NewMesh("", "box", black)
	gripper.Position = mgl64.Vec3{0.1, 0, 0}
	axis6.Add(gripper)

	clawL := NewMesh("Robot_Claw_L", "box", black)
	clawL.Position = mgl64.Vec3{0.3, 0.15, 0}
	axis6.Add(clawL)

	clawR := NewMesh("Robot_Claw_R", "box", black)
	clawR.Position = mgl64.Vec3{0.3, -0.15, 0}
	axis6.Add(clawR)

	return root
}

// RobotArmSource is the default scene when no file is configured.
var RobotArmSource = ProceduralSource{Label: "builtin:robot-arm", Fn: RobotArm}
